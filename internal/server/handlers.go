package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/yiays/timewarden/internal/metrics"
	"github.com/yiays/timewarden/internal/storage"
	"github.com/yiays/timewarden/internal/syncapi"
)

// casRetries bounds the get-merge-update loop. The per-uuid lock makes
// revision mismatches rare (another instance, or a lock eviction).
const casRetries = 3

// handleSync is the write path: create on first contact, otherwise the
// conflict-checked merge.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.SyncRequestDuration.WithLabelValues("sync").Observe(time.Since(start).Seconds())
	}()

	id, ok := pathUUID(r)
	if !ok {
		s.reject(w, "invalid uuid")
		return
	}

	var body syncapi.Body
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.reject(w, "malformed body")
		return
	}
	if err := body.Validate(); err != nil {
		s.reject(w, err.Error())
		return
	}

	override, _ := strconv.ParseBool(r.URL.Query().Get("overrideMode"))
	cred, hasCred := bearerCredential(r)

	lock := s.locks.acquire(id.String())
	defer lock.Unlock()

	ctx := r.Context()
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, err := s.store.Get(ctx, id.String())
		if errors.Is(err, storage.ErrNotFound) {
			// First contact: store the offered state whole and mint the
			// record's first credential.
			minted := uuid.New()
			fresh := recordFromBody(id, &body)
			fresh.SyncAuthor = minted
			fresh.CredentialSet = []uuid.UUID{minted}

			if err := s.store.Create(ctx, fresh); err != nil {
				if errors.Is(err, storage.ErrAlreadyExists) {
					continue // lost the creation race, merge instead
				}
				s.storeError(w, err)
				return
			}

			metrics.SyncRequestsTotal.WithLabelValues("created").Inc()
			metrics.CredentialsIssued.WithLabelValues("create").Inc()
			s.logger.Info().Str("uuid", id.String()).Msg("Record created")
			writeJSON(w, http.StatusOK, syncapi.SyncResponse{
				Accepted: true,
				Diff:     &syncapi.Diff{AuthKey: &minted, SyncAuthor: &minted},
			})
			return
		}
		if err != nil {
			s.storeError(w, err)
			return
		}

		if !hasCred || !rec.Authorized(cred) {
			s.unauthorized(w)
			return
		}

		// A client may overwrite only a version it has observed: its own
		// credential wrote last, or it echoes the current author. Override
		// mode is the trusted actor's escape hatch.
		observed := cred == rec.SyncAuthor ||
			(body.SyncAuthor != nil && *body.SyncAuthor == rec.SyncAuthor)
		if !override && !observed {
			metrics.SyncRequestsTotal.WithLabelValues("conflict").Inc()
			writeJSON(w, http.StatusOK, syncapi.SyncResponse{
				Accepted: false,
				Diff:     diffFromRecord(rec),
			})
			return
		}

		applyBody(rec, &body)
		rec.SyncAuthor = cred

		if err := s.store.Update(ctx, *rec, rec.Rev); err != nil {
			if errors.Is(err, storage.ErrRevisionMismatch) {
				continue
			}
			s.storeError(w, err)
			return
		}

		metrics.SyncRequestsTotal.WithLabelValues("accepted").Inc()
		writeJSON(w, http.StatusOK, syncapi.SyncResponse{Accepted: true})
		return
	}

	s.logger.Warn().Str("uuid", id.String()).Msg("Sync write lost every revision race")
	s.storeError(w, storage.ErrRevisionMismatch)
}

// handleFetch returns the stored state to an authorized caller.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.SyncRequestDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
	}()

	id, ok := pathUUID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, syncapi.FetchResponse{Error: "invalid uuid"})
		return
	}

	rec, err := s.store.Get(r.Context(), id.String())
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, syncapi.FetchResponse{Error: "not found"})
		return
	}
	if err != nil {
		s.storeError(w, err)
		return
	}

	cred, hasCred := bearerCredential(r)
	if !hasCred || !rec.Authorized(cred) {
		s.unauthorized(w)
		return
	}

	body := bodyFromRecord(rec)
	writeJSON(w, http.StatusOK, syncapi.FetchResponse{Success: true, State: &body})
}

// handleAuthorize attaches an additional credential to an existing
// record, linking a new device.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.SyncRequestDuration.WithLabelValues("auth").Observe(time.Since(start).Seconds())
	}()

	id, ok := pathUUID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, syncapi.AuthResponse{Error: "invalid uuid"})
		return
	}

	lock := s.locks.acquire(id.String())
	defer lock.Unlock()

	ctx := r.Context()
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, err := s.store.Get(ctx, id.String())
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, syncapi.AuthResponse{Error: "not found"})
			return
		}
		if err != nil {
			s.storeError(w, err)
			return
		}

		minted := uuid.New()
		rec.CredentialSet = append(rec.CredentialSet, minted)

		if err := s.store.Update(ctx, *rec, rec.Rev); err != nil {
			if errors.Is(err, storage.ErrRevisionMismatch) {
				continue
			}
			s.storeError(w, err)
			return
		}

		metrics.CredentialsIssued.WithLabelValues("auth").Inc()
		s.logger.Info().Str("uuid", id.String()).Msg("Credential attached")
		writeJSON(w, http.StatusOK, syncapi.AuthResponse{Success: true, AuthKey: minted})
		return
	}
	s.storeError(w, storage.ErrRevisionMismatch)
}

// handleDeauthorize revokes every credential on the record and hands the
// caller the single replacement.
func (s *Server) handleDeauthorize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.SyncRequestDuration.WithLabelValues("deauth").Observe(time.Since(start).Seconds())
	}()

	id, ok := pathUUID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, syncapi.AuthResponse{Error: "invalid uuid"})
		return
	}

	lock := s.locks.acquire(id.String())
	defer lock.Unlock()

	ctx := r.Context()
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, err := s.store.Get(ctx, id.String())
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, syncapi.AuthResponse{Error: "not found"})
			return
		}
		if err != nil {
			s.storeError(w, err)
			return
		}

		cred, hasCred := bearerCredential(r)
		if !hasCred || !rec.Authorized(cred) {
			s.unauthorized(w)
			return
		}

		minted := uuid.New()
		rec.CredentialSet = []uuid.UUID{minted}
		rec.SyncAuthor = minted

		if err := s.store.Update(ctx, *rec, rec.Rev); err != nil {
			if errors.Is(err, storage.ErrRevisionMismatch) {
				continue
			}
			s.storeError(w, err)
			return
		}

		metrics.CredentialsIssued.WithLabelValues("deauth").Inc()
		s.logger.Info().Str("uuid", id.String()).Msg("Credential set replaced")
		writeJSON(w, http.StatusOK, syncapi.AuthResponse{Success: true, AuthKey: minted})
		return
	}
	s.storeError(w, storage.ErrRevisionMismatch)
}

func (s *Server) reject(w http.ResponseWriter, message string) {
	metrics.SyncRequestsTotal.WithLabelValues("rejected").Inc()
	writeJSON(w, http.StatusBadRequest, syncapi.SyncResponse{Accepted: false, Error: message})
}

// unauthorized leaks no detail about why the credential was refused.
func (s *Server) unauthorized(w http.ResponseWriter) {
	metrics.SyncRequestsTotal.WithLabelValues("unauthorized").Inc()
	writeJSON(w, http.StatusUnauthorized, syncapi.SyncResponse{Accepted: false, Error: "unauthorized"})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	metrics.SyncRequestsTotal.WithLabelValues("error").Inc()
	s.logger.Error().Err(err).Msg("Store operation failed")
	writeJSON(w, http.StatusInternalServerError, syncapi.SyncResponse{Accepted: false, Error: "internal error"})
}

func pathUUID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["uuid"])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func bearerCredential(r *http.Request) (uuid.UUID, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return uuid.Nil, false
	}
	cred, err := uuid.Parse(token)
	if err != nil {
		return uuid.Nil, false
	}
	return cred, true
}

func recordFromBody(id uuid.UUID, b *syncapi.Body) storage.StateRecord {
	rec := storage.StateRecord{UUID: id.String()}
	applyBody(&rec, b)
	return rec
}

// applyBody shallow-merges the offered fields over the record.
func applyBody(rec *storage.StateRecord, b *syncapi.Body) {
	rec.CredentialHash = b.CredentialHash
	rec.DailyTimeLimit = b.DailyTimeLimit
	rec.TodayTimeLimit = b.TodayTimeLimit
	rec.UsedTime = b.UsedTime
	rec.UsageDate = b.UsageDate
	rec.Bedtime = b.Bedtime
	rec.Waketime = b.Waketime
	rec.GraceGiven = b.GraceGiven
}

func bodyFromRecord(rec *storage.StateRecord) syncapi.Body {
	author := rec.SyncAuthor
	return syncapi.Body{
		CredentialHash: rec.CredentialHash,
		DailyTimeLimit: rec.DailyTimeLimit,
		TodayTimeLimit: rec.TodayTimeLimit,
		UsedTime:       rec.UsedTime,
		UsageDate:      rec.UsageDate,
		Bedtime:        rec.Bedtime,
		Waketime:       rec.Waketime,
		GraceGiven:     rec.GraceGiven,
		SyncAuthor:     &author,
	}
}

// diffFromRecord is the full authoritative state for conflict
// resolution, including the current author the retry must echo.
func diffFromRecord(rec *storage.StateRecord) *syncapi.Diff {
	author := rec.SyncAuthor
	hash := rec.CredentialHash
	daily := rec.DailyTimeLimit
	today := rec.TodayTimeLimit
	used := rec.UsedTime
	date := rec.UsageDate
	bed := rec.Bedtime
	wake := rec.Waketime
	grace := rec.GraceGiven
	return &syncapi.Diff{
		CredentialHash: &hash,
		DailyTimeLimit: &daily,
		TodayTimeLimit: &today,
		UsedTime:       &used,
		UsageDate:      &date,
		Bedtime:        &bed,
		Waketime:       &wake,
		GraceGiven:     &grace,
		SyncAuthor:     &author,
	}
}
