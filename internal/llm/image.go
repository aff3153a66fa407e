package llm

import (
	"encoding/base64"
	"mime"
	"os"
	"path/filepath"

	"github.com/joseph-ayodele/docflow/constants"
)

// MaxVisionMB caps the size of an image attached to a request.
const MaxVisionMB = 8

// VisionConfidenceThreshold is the OCR confidence under which the image itself is attached.
const VisionConfidenceThreshold = 0.6

// ShouldAttachImage decides whether a low-confidence image is sent to the model next to
// its OCR text, and returns it as a data URL.
func ShouldAttachImage(req ExtractRequest) (attach bool, dataURL string) {
	ext := constants.NormalizeExt(filepath.Ext(req.FilePath))
	if req.FilePath == "" || constants.MapExtToFormat(ext) != constants.IMAGE ||
		req.PrepConfidence >= VisionConfidenceThreshold {
		return false, ""
	}

	// HEIC is only attachable through its cached PNG
	candidate := req.FilePath
	if constants.IsHEICExt(ext) {
		if req.ArtifactCacheDir == "" || req.ContentHashHex == "" {
			return false, ""
		}
		candidate = filepath.Join(req.ArtifactCacheDir, req.ContentHashHex+".png")
	}

	st, err := os.Stat(candidate)
	if err != nil || st.IsDir() || st.Size() > MaxVisionMB*1024*1024 {
		return false, ""
	}
	u, err := readAsDataURL(candidate)
	if err != nil {
		return false, ""
	}
	return true, u
}

func readAsDataURL(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	ext := constants.NormalizeExt(filepath.Ext(path))
	mt := mime.TypeByExtension("." + ext)
	if mt == "" {
		switch ext {
		case "jpg", "jpeg":
			mt = "image/jpeg"
		case "png":
			mt = "image/png"
		default:
			mt = "application/octet-stream"
		}
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(b), nil
}
