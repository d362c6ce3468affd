package ingest

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"

	"github.com/travelroboto/trip-ingest/internal/model"
)

// AttachmentText returns the readable text of an attachment. PDFs are parsed;
// text types are used as-is; anything else yields "".
func AttachmentText(a model.Attachment) (string, error) {
	if a.Text != "" {
		return a.Text, nil
	}
	if len(a.Data) == 0 {
		return "", nil
	}

	ct := strings.ToLower(a.ContentType)
	ext := strings.ToLower(filepath.Ext(a.Filename))
	switch {
	case ct == "application/pdf" || ext == ".pdf":
		return pdfText(a.Data)
	case strings.HasPrefix(ct, "text/") || ext == ".txt" || ext == ".eml":
		return string(a.Data), nil
	default:
		return "", nil
	}
}

func pdfText(data []byte) (text string, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", eris.Errorf("pdf: malformed document: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", eris.Wrap(err, "pdf: open")
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", eris.Wrap(err, "pdf: extract text")
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", eris.Wrap(err, "pdf: read text")
	}
	return strings.TrimSpace(buf.String()), nil
}

// documentText joins the body and every readable attachment.
func documentText(doc *model.IncomingDocument) (string, []error) {
	var (
		b    strings.Builder
		errs []error
	)
	b.WriteString(strings.TrimSpace(doc.Text))
	for _, a := range doc.Attachments {
		text, err := AttachmentText(a)
		if err != nil {
			errs = append(errs, eris.Wrapf(err, "attachment %s", a.Filename))
			continue
		}
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n--- attachment: %s ---\n%s", a.Filename, text)
	}
	return strings.TrimSpace(b.String()), errs
}
