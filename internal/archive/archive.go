// Package archive keeps the rendered Ata of every printed snapshot in
// object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"ccbcounter/api/internal/export"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("archived object not found")

// Object is one stored document.
type Object struct {
	Key         string
	ContentType string
	Data        []byte
}

// Store is the object storage contract shared by the backends.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (Object, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Drivers accepted by Open. None disables archiving.
const (
	DriverNone   = "none"
	DriverMemory = "memory"
	DriverMinio  = "minio"
	DriverS3     = "s3"
)

// Config holds the connection settings for the minio and s3 drivers.
type Config struct {
	Driver    string
	Bucket    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Open builds the configured backend. It returns a nil Store for the none
// driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverNone:
		return nil, nil
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverMinio:
		return NewMinioStore(ctx, cfg)
	case DriverS3:
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}

// Renderer produces the document to archive.
type Renderer interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// DefaultPrefix is prepended to every archived key.
const DefaultPrefix = "atas"

// Archiver renders a snapshot and stores it under atas/<filename>.
type Archiver struct {
	renderer Renderer
	objects  Store
	format   export.Format
	prefix   string
}

func NewArchiver(r Renderer, objects Store, format export.Format) *Archiver {
	if format == "" {
		format = export.FormatDOCX
	}
	return &Archiver{renderer: r, objects: objects, format: format, prefix: DefaultPrefix}
}

// Archive returns the key the document was stored under.
func (a *Archiver) Archive(ctx context.Context, id int64) (string, error) {
	res, err := a.renderer.Export(ctx, export.Request{RecordID: id, Format: a.format})
	if err != nil {
		return "", fmt.Errorf("render ata %d: %w", id, err)
	}
	key := path.Join(a.prefix, res.Filename)
	if err := a.objects.Put(ctx, key, res.Data, res.MimeType); err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}
	return key, nil
}

// Key returns the key Archive uses for snapshot id.
func (a *Archiver) Key(id int64) string {
	return path.Join(a.prefix, fmt.Sprintf("ata_%d.%s", id, a.format))
}

// Fetch reads the archived document of snapshot id.
func (a *Archiver) Fetch(ctx context.Context, id int64) (Object, error) {
	return a.objects.Get(ctx, a.Key(id))
}
