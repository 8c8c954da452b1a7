package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/wolfeidau/catalog-sync/images"
	"github.com/wolfeidau/catalog-sync/manifest"
	"github.com/wolfeidau/catalog-sync/reconcile"
	"github.com/wolfeidau/catalog-sync/store/catalogdb"
	"github.com/wolfeidau/catalog-sync/telemetry"
)

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStatus returns the persisted sync state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "status")

	state, err := s.engine.State(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"db_version":    state.DBVersion,
		"manifest_hash": state.ManifestHash,
		"image_root":    s.engine.ImageRoot(),
	})
}

// handleSync runs a full sync cycle against the configured manifest ref.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sync")

	res, err := s.engine.Sync(r.Context(), s.config.ManifestRef)
	if err != nil {
		if errors.Is(err, manifest.ErrUnavailable) {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// handleCleanup removes local images the manifest no longer lists.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cleanup")

	res, err := s.engine.Cleanup(r.Context(), s.config.ManifestRef)
	if err != nil {
		switch {
		case errors.Is(err, manifest.ErrUnavailable):
			writeError(w, http.StatusBadGateway, err)
		case errors.Is(err, reconcile.ErrNoManifestImages):
			// An empty manifest must never wipe the mirror.
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// handleIndex links image filenames to products. ?source=manifest indexes
// the manifest file list instead of the local tree.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "index")

	var (
		res any
		err error
	)
	if r.URL.Query().Get("source") == "manifest" {
		res, err = s.engine.IndexManifest(r.Context(), s.config.ManifestRef)
	} else {
		res, err = s.engine.IndexTree(r.Context())
	}
	if err != nil {
		if errors.Is(err, manifest.ErrUnavailable) {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// handleBrands lists all brands.
func (s *Server) handleBrands(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "brands")

	brands, err := s.store.ListBrands(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if brands == nil {
		brands = []catalogdb.Brand{}
	}
	writeJSON(w, http.StatusOK, brands)
}

// handleVehicles lists all vehicles.
func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "vehicles")

	vehicles, err := s.store.ListVehicles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if vehicles == nil {
		vehicles = []catalogdb.Vehicle{}
	}
	writeJSON(w, http.StatusOK, vehicles)
}

// handleSearchProducts runs a filtered product search.
func (s *Server) handleSearchProducts(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "products")

	q := r.URL.Query()
	params := catalogdb.SearchParams{
		Group:     q.Get("group"),
		CodeQuery: q.Get("q"),
		Limit:     100,
	}

	if v := q.Get("brand_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid brand_id"))
			return
		}
		params.BrandID = &id
	}
	if v := q.Get("vehicle_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid vehicle_id"))
			return
		}
		params.VehicleID = &id
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		params.Limit = limit
	}

	items, err := s.store.SearchProducts(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []catalogdb.ProductListItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// handleProduct returns the full details of one product.
func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "product")

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid product id"))
		return
	}

	product, err := s.store.Product(r.Context(), id)
	if err != nil {
		if errors.Is(err, catalogdb.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, product)
}

// handleImage serves a file from the local mirror, transparently
// decrypting encrypted images when a key is available.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "image")

	img, err := images.Read(s.engine.ImageRoot(), r.PathValue("path"), s.keychain)
	if err != nil {
		switch {
		case errors.Is(err, images.ErrInvalidPath):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, images.ErrNotFound):
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, images.ErrKeyRequired):
			writeError(w, http.StatusForbidden, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheHit)
	w.Header().Set("Content-Type", img.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	_, _ = w.Write(img.Data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
