// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	brokererrors "github.com/stakeordie/emp-job-broker/internal/errors"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/store"
)

// WebhookRegistry is the authoritative Store-backed webhook collection plus
// an advisory in-memory cache refreshed on a timer (spec §4.7, §9).
// Registration and deletion write to the Store, and a Get whose id is not
// cached falls back to the Store. The cache serves list_webhooks and every
// Get whose id it holds, so both can return a cached record until the next
// refresh.
type WebhookRegistry struct {
	store *store.Store

	mu    sync.RWMutex
	cache map[string]types.Webhook

	group singleflight.Group
}

// NewWebhookRegistry builds a WebhookRegistry.
func NewWebhookRegistry(st *store.Store) *WebhookRegistry {
	return &WebhookRegistry{store: st, cache: make(map[string]types.Webhook)}
}

// Register persists a new webhook and adds it to the index.
func (w *WebhookRegistry) Register(ctx context.Context, spec types.WebhookSpec) (*types.Webhook, error) {
	hook := types.Webhook{
		ID:         uuid.NewString(),
		URL:        spec.URL,
		EventTypes: spec.EventTypes,
		Secret:     spec.Secret,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}

	eventTypesJSON, err := json.Marshal(hook.EventTypes)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"id":          hook.ID,
		"url":         hook.URL,
		"event_types": string(eventTypesJSON),
		"secret":      hook.Secret,
		"active":      strconv.FormatBool(hook.Active),
		"created_at":  strconv.FormatInt(hook.CreatedAt.Unix(), 10),
	}
	if err := w.store.HashPut(ctx, store.WebhookKey(hook.ID), fields); err != nil {
		return nil, err
	}
	if err := w.store.SetAdd(ctx, store.WebhooksIndexKey(), hook.ID); err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.cache[hook.ID] = hook
	w.mu.Unlock()

	return &hook, nil
}

// Get returns a webhook, falling back to the Store on cache miss (spec §9).
func (w *WebhookRegistry) Get(ctx context.Context, id string) (*types.Webhook, error) {
	w.mu.RLock()
	hook, ok := w.cache[id]
	w.mu.RUnlock()
	if ok {
		return &hook, nil
	}

	fields, ok, err := w.store.HashGetAll(ctx, store.WebhookKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, brokererrors.NewNotFoundError("webhook " + id)
	}
	decoded := fieldsToWebhook(fields)

	w.mu.Lock()
	w.cache[id] = decoded
	w.mu.Unlock()

	return &decoded, nil
}

// List returns every cached webhook, active and inactive alike.
func (w *WebhookRegistry) List() []types.Webhook {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]types.Webhook, 0, len(w.cache))
	for _, hook := range w.cache {
		out = append(out, hook)
	}
	return out
}

// SetActive flips a webhook's active flag in the Store and, if it is
// currently cached, the cache too. The record itself is never removed by
// deactivation (spec S6: GET must still return it with active=false).
func (w *WebhookRegistry) SetActive(ctx context.Context, id string, active bool) (*types.Webhook, error) {
	fields, ok, err := w.store.HashGetAll(ctx, store.WebhookKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, brokererrors.NewNotFoundError("webhook " + id)
	}

	if err := w.store.HashUpdate(ctx, store.WebhookKey(id), map[string]any{"active": strconv.FormatBool(active)}); err != nil {
		return nil, err
	}

	hook := fieldsToWebhook(fields)
	hook.Active = active

	w.mu.Lock()
	w.cache[id] = hook
	w.mu.Unlock()

	return &hook, nil
}

// Delete removes a webhook from the Store, the index, and the cache.
func (w *WebhookRegistry) Delete(ctx context.Context, id string) error {
	if err := w.store.SetRemove(ctx, store.WebhooksIndexKey(), id); err != nil {
		return err
	}
	if err := w.store.Delete(ctx, store.WebhookKey(id)); err != nil {
		return err
	}

	w.mu.Lock()
	delete(w.cache, id)
	w.mu.Unlock()

	return nil
}

// RefreshCache reloads the full webhook population — active and inactive —
// from the Store. Concurrent refresh calls collapse into one via
// singleflight so a slow Store does not pile up redundant full scans.
func (w *WebhookRegistry) RefreshCache(ctx context.Context) error {
	_, err, _ := w.group.Do("refresh", func() (any, error) {
		ids, err := w.store.SetMembers(ctx, store.WebhooksIndexKey())
		if err != nil {
			return nil, err
		}

		fresh := make(map[string]types.Webhook, len(ids))
		for _, id := range ids {
			fields, ok, err := w.store.HashGetAll(ctx, store.WebhookKey(id))
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			fresh[id] = fieldsToWebhook(fields)
		}

		w.mu.Lock()
		w.cache = fresh
		w.mu.Unlock()

		return nil, nil
	})
	return err
}

func fieldsToWebhook(fields map[string]string) types.Webhook {
	hook := types.Webhook{ID: fields["id"], URL: fields["url"], Secret: fields["secret"]}
	hook.Active, _ = strconv.ParseBool(fields["active"])
	if raw := fields["event_types"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &hook.EventTypes)
	}
	if sec, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		hook.CreatedAt = time.Unix(sec, 0).UTC()
	}
	return hook
}

func (a *API) registerWebhook(w http.ResponseWriter, r *http.Request) {
	var spec types.WebhookSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, brokererrors.NewValidationError("malformed request body").WithDetailsf("%v", err))
		return
	}
	if err := a.validate.Struct(spec); err != nil {
		writeError(w, brokererrors.NewValidationError("invalid webhook spec").WithDetailsf("%v", err))
		return
	}

	hook, err := a.webhooks.Register(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (a *API) listWebhooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.webhooks.List())
}

func (a *API) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhookID")
	if err := a.webhooks.Delete(r.Context(), webhookID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) patchWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhookID")

	var patch types.WebhookPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, brokererrors.NewValidationError("malformed request body").WithDetailsf("%v", err))
		return
	}

	hook, err := a.webhooks.SetActive(r.Context(), webhookID, patch.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}
