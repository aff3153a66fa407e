package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

// PreprocessResult describes the source document.
type PreprocessResult struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Folder   string `json:"folder"`
	Ext      string `json:"ext"`
	Format   string `json:"format"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

// PreprocessStage checks the source file and fingerprints it.
type PreprocessStage struct {
	maxBytes int64
	logger   *slog.Logger
}

// NewPreprocessStage builds the stage; maxBytes <= 0 disables the size limit.
func NewPreprocessStage(maxBytes int64, logger *slog.Logger) *PreprocessStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreprocessStage{maxBytes: maxBytes, logger: logger}
}

func (s *PreprocessStage) ID() StageID { return StagePreprocess }

func (s *PreprocessStage) ValidateInput(rc *entity.RunContext) bool {
	return rc.Options.Source != ""
}

func (s *PreprocessStage) Execute(ctx context.Context, rc *entity.RunContext, _ CancelToken) (Output, error) {
	path, err := filepath.Abs(rc.Options.Source)
	if err != nil {
		return Output{}, common.NewValidationError("bad source path %q: %v", rc.Options.Source, err)
	}
	ext := constants.NormalizeExt(filepath.Ext(path))
	if _, ok := constants.AllowedExtensions[ext]; !ok {
		return Output{}, common.NewValidationError("unsupported file type %q", ext)
	}

	st, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Output{}, common.NewValidationError("source %s does not exist", path)
	case err != nil:
		return Output{}, fmt.Errorf("stat source: %w", err)
	case st.IsDir():
		return Output{}, common.NewValidationError("source %s is a directory", path)
	case s.maxBytes > 0 && st.Size() > s.maxBytes:
		return Output{}, common.NewValidationError("source %s is %d bytes, limit %d", path, st.Size(), s.maxBytes)
	}

	sum, err := hashFile(ctx, path)
	if err != nil {
		return Output{}, err
	}
	s.logger.Debug("preprocess ok", "run_id", rc.RunID, "path", path, "size", st.Size())
	return JSONOutput(PreprocessResult{
		Path:     path,
		Filename: filepath.Base(path),
		Folder:   filepath.Dir(path),
		Ext:      ext,
		Format:   constants.MapExtToFormat(ext),
		Size:     st.Size(),
		SHA256:   sum,
	})
}

func hashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return "", fmt.Errorf("hash source: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
