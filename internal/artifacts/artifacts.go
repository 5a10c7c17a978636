// Package artifacts implements post-exit artifact ingestion (spec.md
// §4.5 step 5): enumerating files a Job's worker produced under the
// artifact root, recording metadata only, and best-effort mirroring to an
// S3-compatible bucket for off-host durability.
package artifacts

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/malgorath/cyberbrain-orchestrator/internal/observability"
	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
)

// Ingester enumerates /<root>/run_<id>/ and records RunArtifact rows.
// Content is never read beyond what's needed for MIME sniffing.
type Ingester struct {
	store state.Store
	root  string
	mirror *Mirror
}

func New(store state.Store, artifactRoot string, mirror *Mirror) *Ingester {
	return &Ingester{store: store, root: artifactRoot, mirror: mirror}
}

// RunDir returns the artifact root's per-Run subdirectory, the only path
// the core ever writes or enumerates under (spec.md §6.3, invariant §8.3).
func (in *Ingester) RunDir(runID int64) string {
	return filepath.Join(in.root, fmt.Sprintf("run_%d", runID))
}

// IngestRun walks runID's subdirectory and creates one RunArtifact row per
// file, classifying kind from the file name: a name containing "report"
// with a .md or .json extension is report, a .log file or a path containing
// "/log" is log, any other .json file is data, and everything else is
// other. Mirroring to the configured bucket is
// best-effort and never fails the call.
func (in *Ingester) IngestRun(ctx context.Context, runID int64) ([]state.RunArtifactRecord, error) {
	dir := in.RunDir(runID)
	entries, err := walkFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("walk artifact dir %s: %w", dir, err)
	}

	out := make([]state.RunArtifactRecord, 0, len(entries))
	for _, path := range entries {
		rel, err := filepath.Rel(in.root, path)
		if err != nil || strings.Contains(rel, "..") {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		rec := state.RunArtifactRecord{
			RunID:     runID,
			Kind:      classifyKind(rel),
			Path:      path,
			ByteSize:  info.Size(),
			MIMEType:  mimeFor(path),
			CreatedAt: time.Now().UTC(),
		}
		created, err := in.store.CreateArtifact(ctx, rec)
		if err != nil {
			return out, err
		}
		out = append(out, created)

		if in.mirror != nil {
			if err := in.mirror.Upload(ctx, runID, path); err != nil {
				observability.Default.IncCounter("orchestrator_artifact_mirror_failures_total", nil, 1)
			}
		}
	}
	return out, nil
}

func classifyKind(relPath string) string {
	base := filepath.Base(relPath)
	switch {
	case strings.HasSuffix(base, ".md") && strings.Contains(base, "report"):
		return state.ArtifactReport
	case strings.HasSuffix(base, ".json") && strings.Contains(base, "report"):
		return state.ArtifactReport
	case strings.HasSuffix(base, ".log") || strings.Contains(relPath, "/log"):
		return state.ArtifactLog
	case strings.HasSuffix(base, ".json"):
		return state.ArtifactData
	default:
		return state.ArtifactOther
	}
}

func mimeFor(path string) string {
	ext := filepath.Ext(path)
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func walkFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	var out []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == "_inputs" {
				return filepath.SkipDir
			}
			return nil
		}
		out = append(out, path)
		return nil
	})
	return out, err
}

// Mirror best-effort-copies discovered artifacts to an S3-compatible
// bucket via minio-go, generalized from the teacher's worker-side
// executor.uploadToMinIO (single-file upload per task) to "dispatcher
// mirrors whatever the worker wrote under /logs".
type Mirror struct {
	client *minio.Client
	bucket string
}

type MirrorConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMirrorFromEnv reads ORC_MINIO_* env vars and returns nil, nil when
// ORC_MINIO_ENDPOINT is unset — artifact mirroring is opt-in.
func NewMirrorFromEnv() (*Mirror, error) {
	endpoint := strings.TrimSpace(os.Getenv("ORC_MINIO_ENDPOINT"))
	if endpoint == "" {
		return nil, nil
	}
	cfg := MirrorConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("ORC_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("ORC_MINIO_SECRET_KEY"),
		Bucket:    firstNonEmpty(os.Getenv("ORC_MINIO_BUCKET"), "orchestrator-artifacts"),
		UseSSL:    strings.EqualFold(os.Getenv("ORC_MINIO_USE_SSL"), "true"),
	}
	return NewMirror(cfg)
}

func NewMirror(cfg MirrorConfig) (*Mirror, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return &Mirror{client: cli, bucket: cfg.Bucket}, nil
}

func (m *Mirror) Upload(ctx context.Context, runID int64, localPath string) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	rel := filepath.Base(localPath)
	objectName := fmt.Sprintf("run_%d/%s", runID, rel)
	_, err = m.client.FPutObject(ctx, m.bucket, objectName, localPath, minio.PutObjectOptions{ContentType: mimeFor(localPath)})
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
