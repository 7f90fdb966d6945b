// Package uploads validates and stores client-supplied files inside a
// confined directory tree, handing back opaque references. Clients never
// see server paths.
package uploads

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/remotewiz/remotewiz/internal/common/errors"
	"github.com/remotewiz/remotewiz/internal/common/logger"
	"github.com/remotewiz/remotewiz/internal/config"
	"github.com/remotewiz/remotewiz/internal/store"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

const (
	// refTTL is how long an unconsumed upload reference stays resolvable.
	refTTL = 24 * time.Hour

	// textProbeLen is the window scanned for binary content in files
	// declared as text.
	textProbeLen = 4096

	// maxControlOutliers is the number of non-whitespace control bytes
	// tolerated in the probe window before a text upload is rejected.
	maxControlOutliers = 8
)

// allowedTypes maps every accepted MIME type to its storage extension.
var allowedTypes = map[string]string{
	"image/png":        ".png",
	"image/jpeg":       ".jpg",
	"image/gif":        ".gif",
	"image/webp":       ".webp",
	"text/plain":       ".txt",
	"text/markdown":    ".md",
	"application/json": ".json",
	"text/csv":         ".csv",
}

// imageTypes are the entries of allowedTypes whose content signature must
// match the declared type.
var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// segmentPattern constrains project and scope path segments: leading
// alphanumeric, then alphanumerics, dots, hyphens, underscores.
var segmentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// SaveRequest describes one incoming file.
type SaveRequest struct {
	Project      string
	Scope        string
	OriginalName string
	DeclaredType string
	Actor        string
	Data         io.Reader
}

// Manager owns the uploads root. All writes land beneath it; anything
// that would escape is rejected and rolled back.
type Manager struct {
	root     string
	maxBytes int64
	store    *store.Store
	log      *logger.Logger
}

// NewManager creates the uploads root and canonicalizes it.
func NewManager(cfg *config.Config, st *store.Store, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.Uploads.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create uploads root: %w", err)
	}
	root, err := filepath.EvalSymlinks(cfg.Uploads.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize uploads root: %w", err)
	}
	return &Manager{
		root:     root,
		maxBytes: cfg.Uploads.MaxBytes,
		store:    st,
		log:      log.WithFields(zap.String("component", "uploads")),
	}, nil
}

// Root returns the canonical uploads root.
func (m *Manager) Root() string { return m.root }

// Save validates and stores one file, returning its opaque reference.
// Validation order: path segments, size, MIME whitelist, content checks.
// Any failure after the write removes the file again.
func (m *Manager) Save(ctx context.Context, req SaveRequest) (*v1.UploadRef, error) {
	if !segmentPattern.MatchString(req.Project) || !segmentPattern.MatchString(req.Scope) {
		m.reject(ctx, req, "invalid path segment")
		return nil, apperrors.BadRequest("invalid project or scope name")
	}

	data, err := io.ReadAll(io.LimitReader(req.Data, m.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > m.maxBytes {
		m.reject(ctx, req, "payload too large")
		return nil, apperrors.PayloadTooLarge(m.maxBytes)
	}

	declared := normalizeType(req.DeclaredType)
	sniffed := mimetype.Detect(data)
	if declared == "" {
		declared = normalizeType(sniffed.String())
	}

	ext, allowed := allowedTypes[declared]
	if !allowed {
		m.reject(ctx, req, "type not allowed: "+declared)
		return nil, apperrors.UnsupportedType(declared)
	}
	if imageTypes[declared] && !sniffed.Is(declared) {
		m.reject(ctx, req, fmt.Sprintf("signature %s does not match declared %s", sniffed.String(), declared))
		return nil, apperrors.UnsupportedType(declared)
	}
	if !imageTypes[declared] {
		if reason := probeText(data); reason != "" {
			m.reject(ctx, req, reason)
			return nil, apperrors.UnsupportedType(declared)
		}
	}

	dir := filepath.Join(m.root, req.Project, req.Scope)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload scope dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write upload: %w", err)
	}

	// Containment re-check on the real path. Symlinked segments could
	// have redirected the write; if so, the file must not survive.
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil || !within(m.root, canonical) {
		_ = os.Remove(path)
		m.reject(ctx, req, "canonical path escapes uploads root")
		return nil, apperrors.BadRequest("upload path escapes the uploads root")
	}

	expires := time.Now().UTC().Add(refTTL)
	ref, err := m.store.CreateUploadRef(ctx, req.Project, req.OriginalName, canonical, &expires)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	m.log.WithProject(req.Project).Info("upload stored",
		zap.String("upload_id", ref.ID),
		zap.String("mime", declared),
		zap.Int("bytes", len(data)))
	m.audit(ctx, store.AuditEvent{
		Project: req.Project,
		Actor:   req.Actor,
		Action:  store.AuditUploadCreated,
		Detail: map[string]interface{}{
			"upload_id":     ref.ID,
			"original_name": req.OriginalName,
			"mime":          declared,
			"bytes":         len(data),
		},
	})
	return ref, nil
}

// Resolve returns a live reference. Missing and expired both come back as
// not found; the caller cannot tell them apart on purpose.
func (m *Manager) Resolve(ctx context.Context, id string) (*v1.UploadRef, error) {
	ref, err := m.store.GetUploadRef(ctx, id)
	if err != nil {
		return nil, err
	}
	if ref == nil || (ref.ExpiresAt != nil && ref.ExpiresAt.Before(time.Now().UTC())) {
		return nil, apperrors.NotFound("upload", id)
	}
	return ref, nil
}

// MarkConsumed stamps the reference once. The second caller gets false.
func (m *Manager) MarkConsumed(ctx context.Context, id string) (bool, error) {
	return m.store.MarkUploadConsumed(ctx, id)
}

// CleanupScope removes a task's upload directory and every reference
// pointing into it.
func (m *Manager) CleanupScope(ctx context.Context, project, scope string) error {
	if !segmentPattern.MatchString(project) || !segmentPattern.MatchString(scope) {
		return apperrors.BadRequest("invalid project or scope name")
	}
	dir := filepath.Join(m.root, project, scope)
	if _, err := m.store.DeleteUploadRefsByPathPrefix(ctx, dir+string(filepath.Separator)); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove upload scope dir: %w", err)
	}
	return nil
}

// SweepExpired unlinks expired files and drops their rows. Returns how
// many references were removed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	refs, err := m.store.ExpiredUploadRefs(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, ref := range refs {
		if within(m.root, ref.ServerPath) {
			if err := os.Remove(ref.ServerPath); err != nil && !os.IsNotExist(err) {
				m.log.WithError(err).Warn("failed to unlink expired upload",
					zap.String("upload_id", ref.ID))
				continue
			}
		}
		if err := m.store.DeleteUploadRef(ctx, ref.ID); err != nil {
			m.log.WithError(err).Warn("failed to delete expired upload ref",
				zap.String("upload_id", ref.ID))
			continue
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) reject(ctx context.Context, req SaveRequest, reason string) {
	m.log.WithProject(req.Project).Warn("upload rejected",
		zap.String("original_name", req.OriginalName),
		zap.String("reason", reason))
	m.audit(ctx, store.AuditEvent{
		Project: req.Project,
		Actor:   req.Actor,
		Action:  store.AuditUploadRejected,
		Detail: map[string]interface{}{
			"original_name": req.OriginalName,
			"reason":        reason,
		},
	})
}

func (m *Manager) audit(ctx context.Context, ev store.AuditEvent) {
	if err := m.store.AppendAudit(ctx, ev); err != nil {
		m.log.WithError(err).Error("failed to append audit entry",
			zap.String("action", ev.Action))
	}
}

// normalizeType strips parameters and lowercases a MIME type.
func normalizeType(ct string) string {
	ct = strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	return strings.ToLower(ct)
}

// probeText scans the leading window of a text upload. NUL bytes or too
// many control outliers mean the content is binary in disguise.
func probeText(data []byte) string {
	window := data
	if len(window) > textProbeLen {
		window = window[:textProbeLen]
	}
	outliers := 0
	for _, b := range window {
		if b == 0x00 {
			return "text upload contains NUL byte"
		}
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			outliers++
		}
	}
	if outliers >= maxControlOutliers {
		return fmt.Sprintf("text upload has %d control-byte outliers", outliers)
	}
	return ""
}

// within reports whether path sits strictly beneath root.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}
