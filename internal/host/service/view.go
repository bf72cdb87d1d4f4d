package service

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"hostbox/internal/host/audit"
	"hostbox/internal/host/console"
	"hostbox/internal/host/registry"
	"hostbox/internal/host/telemetry"
	appErr "hostbox/pkg/errors"
	"hostbox/pkg/utils/logger"
)

// SlotView is the tenant-facing slot summary.
type SlotView struct {
	ID       string    `json:"id"`
	Ordinal  int       `json:"ordinal"`
	Name     string    `json:"name"`
	State    string    `json:"state"`
	EnvKeys  []string  `json:"env_keys"`
	Manifest string    `json:"manifest,omitempty"`
	Created  time.Time `json:"created"`
	LastUsed time.Time `json:"last_used"`
}

// StatusView is the tenant-facing account summary.
type StatusView struct {
	Slots []SlotView         `json:"slots"`
	Host  telemetry.Snapshot `json:"host"`
}

func (s *HostService) view(ctx context.Context, rt *slotRuntime) SlotView {
	slot, err := s.reg.Get(rt.slot.Tenant, rt.slot.ID)
	if err != nil {
		slot = rt.slot
	}
	keys, err := rt.ws.EnvKeys(s.cfg.EnvKeyLimit)
	if err != nil {
		logger.Warn(ctx, "env key listing failed", zap.String("slot", slot.ID), zap.Error(err))
	}
	return SlotView{
		ID:       slot.ID,
		Ordinal:  slot.Ordinal,
		Name:     slot.Name,
		State:    string(slot.State),
		EnvKeys:  keys,
		Manifest: rt.ws.FindManifest(),
		Created:  slot.Created,
		LastUsed: slot.LastUsed,
	}
}

// Status returns the tenant's slots plus a host load snapshot.
func (s *HostService) Status(ctx context.Context, tenant string) StatusView {
	out := StatusView{Host: telemetry.Collect(s.cfg.DataRoot)}
	for _, slot := range s.reg.List(tenant) {
		s.mu.Lock()
		rt, ok := s.runtimes[slot.ID]
		s.mu.Unlock()
		if !ok {
			out.Slots = append(out.Slots, SlotView{
				ID: slot.ID, Ordinal: slot.Ordinal, Name: slot.Name,
				State: string(slot.State), Created: slot.Created, LastUsed: slot.LastUsed,
			})
			continue
		}
		out.Slots = append(out.Slots, s.view(ctx, rt))
	}
	return out
}

// Slot returns one slot's view.
func (s *HostService) Slot(ctx context.Context, tenant, slotID string) (SlotView, error) {
	rt, err := s.runtime(tenant, slotID)
	if err != nil {
		return SlotView{}, err
	}
	return s.view(ctx, rt), nil
}

// Attach subscribes to a slot's live console. The cancel function must be
// called when the consumer disconnects.
func (s *HostService) Attach(tenant, slotID string) (<-chan console.Chunk, func(), error) {
	rt, err := s.runtime(tenant, slotID)
	if err != nil {
		return nil, nil, err
	}
	rt.mu.Lock()
	streamer := rt.streamer
	rt.mu.Unlock()
	if streamer == nil {
		return nil, nil, appErr.Newf(appErr.SlotNotRunning, "slot %s has no console", slotID)
	}
	ch, cancel := streamer.Subscribe()
	s.reg.Touch(slotID)
	return ch, cancel, nil
}

// Transcript returns the retained console output and whether older output
// was dropped.
func (s *HostService) Transcript(tenant, slotID string) (string, bool, error) {
	rt, err := s.runtime(tenant, slotID)
	if err != nil {
		return "", false, err
	}
	rt.mu.Lock()
	streamer := rt.streamer
	rt.mu.Unlock()
	if streamer == nil {
		return "", false, appErr.Newf(appErr.SlotNotRunning, "slot %s has no console", slotID)
	}
	text, truncated := streamer.Transcript()
	return text, truncated, nil
}

// AuditLog lists recent audit entries for a slot.
func (s *HostService) AuditLog(ctx context.Context, tenant, slotID string, limit int) ([]audit.Entry, error) {
	if _, err := s.reg.Get(tenant, slotID); err != nil {
		return nil, err
	}
	if s.recorder == nil {
		return nil, nil
	}
	return s.recorder.ListBySlot(ctx, slotID, limit)
}

// SlotStates exposes the registry table for operators.
func (s *HostService) SlotStates() []registry.Slot {
	return s.reg.All()
}

// retainArchive compresses an accepted archive and stores it best-effort.
// Retention failures never fail the upload.
func (s *HostService) retainArchive(ctx context.Context, tenant, slotID string, archive []byte) {
	if s.store == nil || s.cfg.RetainBucket == "" {
		return
	}
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf)
		if err != nil {
			logger.Warn(ctx, "archive retention encoder failed", zap.Error(err))
			return
		}
		if _, err := enc.Write(archive); err != nil {
			logger.Warn(ctx, "archive retention compress failed", zap.Error(err))
			return
		}
		if err := enc.Close(); err != nil {
			logger.Warn(ctx, "archive retention compress failed", zap.Error(err))
			return
		}

		key := fmt.Sprintf("%s/%s/%d.zip.zst", tenant, slotID, time.Now().Unix())
		err = s.store.PutObject(bgCtx, s.cfg.RetainBucket, key,
			bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/zstd")
		if err != nil {
			err = s.store.PutObject(bgCtx, s.cfg.RetainBucket, key,
				bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/zstd")
		}
		if err != nil {
			logger.Warn(ctx, "archive retention upload failed",
				zap.String("key", key), zap.Error(err))
			return
		}
		if s.recorder != nil {
			entry := audit.NewEntry(tenant, slotID, key, audit.ActionArchiveRetain, "archive retained")
			if err := s.recorder.Record(bgCtx, entry); err != nil {
				logger.Error(bgCtx, "audit append failed", zap.Error(err))
			}
		}
	}()
}
