package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// DocumentInfo describes a downloaded attachment.
type DocumentInfo struct {
	ContentType string
	Extension   string
	// PageCount is zero when the document is not a readable PDF.
	PageCount int
	SHA256    string
}

var extensions = map[string]string{
	"application/pdf": ".pdf",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
}

// InspectDocument sniffs the content type of data and, for PDFs, counts the
// pages. Inspection never rejects a document; a PDF that cannot be parsed is
// still uploaded and the OCR service decides.
func InspectDocument(data []byte) (DocumentInfo, error) {
	sum := sha256.Sum256(data)
	info := DocumentInfo{
		ContentType: sniffContentType(data),
		SHA256:      hex.EncodeToString(sum[:]),
	}
	info.Extension = extensions[info.ContentType]
	if info.Extension == "" {
		info.Extension = ".bin"
	}
	if info.ContentType != "application/pdf" {
		return info, nil
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pages, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return info, fmt.Errorf("failed to read pdf: %w", err)
	}
	info.PageCount = pages
	return info, nil
}

func sniffContentType(data []byte) string {
	// Some PDFs carry leading junk before the header, which DetectContentType rejects.
	head := data[:min(len(data), 1024)]
	if bytes.Contains(head, []byte("%PDF-")) {
		return "application/pdf"
	}
	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct
}

// UploadFilename names the upload after the tracked document.
func UploadFilename(documentID int, info DocumentInfo) string {
	return fmt.Sprintf("%d%s", documentID, info.Extension)
}
