package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/travelroboto/trip-ingest/internal/ingest"
	"github.com/travelroboto/trip-ingest/internal/model"
)

var (
	ingestOwner    string
	ingestTripHint string
	ingestSourceID string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest travel documents from files",
	Long:  "Ingests text, PDF or JSON (IncomingDocument) files. Files are processed in parallel; re-ingesting a file is a no-op.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestSourceID != "" && len(args) > 1 {
			return eris.New("--source-id can only be used with a single file")
		}

		docs := make([]*model.IncomingDocument, 0, len(args))
		for _, path := range args {
			doc, err := documentFromFile(path, ingestOwner, ingestTripHint)
			if err != nil {
				return err
			}
			if ingestSourceID != "" {
				doc.SourceID = ingestSourceID
			}
			docs = append(docs, doc)
		}

		env, err := initEnv(cmd.Context(), "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		items := env.Pipeline.IngestBatch(cmd.Context(), docs)
		failed := 0
		for _, it := range items {
			if it.Err != nil {
				failed++
				zap.L().Error("ingest failed", zap.String("source_id", it.SourceID), zap.Error(it.Err))
			}
		}
		if err := printJSON(cmd.OutOrStdout(), batchOutput(items)); err != nil {
			return err
		}
		if failed > 0 {
			return eris.Errorf("%d of %d documents failed", failed, len(items))
		}
		return nil
	},
}

type batchLine struct {
	SourceID string              `json:"source_id"`
	Result   *model.IngestResult `json:"result,omitempty"`
	Error    string              `json:"error,omitempty"`
}

func batchOutput(items []ingest.BatchItem) []batchLine {
	out := make([]batchLine, 0, len(items))
	for _, it := range items {
		line := batchLine{SourceID: it.SourceID, Result: it.Result}
		if it.Err != nil {
			line.Error = it.Err.Error()
		}
		out = append(out, line)
	}
	return out
}

// documentFromFile builds a document from a file. JSON files are decoded as
// an IncomingDocument; PDFs become an attachment; anything else is body text.
// Without an explicit source id the content hash keys the document, so
// re-ingesting the same file is idempotent.
func documentFromFile(path, owner, tripHint string) (*model.IncomingDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrapf(err, "stat %s", path)
	}

	doc := &model.IncomingDocument{}
	name := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, eris.Wrapf(err, "decode %s", path)
		}
	case ".pdf":
		doc.Attachments = []model.Attachment{{Filename: name, ContentType: "application/pdf", Data: data}}
	default:
		doc.Text = string(data)
	}

	if doc.SourceID == "" {
		sum := sha256.Sum256(data)
		doc.SourceID = "file:" + hex.EncodeToString(sum[:12])
	}
	if owner != "" {
		doc.OwnerUserID = owner
	}
	if doc.OwnerUserID == "" {
		return nil, eris.Errorf("%s: owner is required (--owner)", path)
	}
	if tripHint != "" {
		doc.TripHint = tripHint
	}
	if doc.ReceivedAt.IsZero() {
		doc.ReceivedAt = info.ModTime().UTC().Truncate(time.Second)
	}
	if strings.TrimSpace(doc.Text) == "" && len(doc.Attachments) == 0 {
		return nil, eris.Errorf("%s: document is empty", path)
	}
	return doc, nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "", "owning user id (required unless set in a JSON document)")
	ingestCmd.Flags().StringVar(&ingestTripHint, "trip", "", "attach to this trip and skip matching")
	ingestCmd.Flags().StringVar(&ingestSourceID, "source-id", "", "source id for a single file (default: content hash)")
	rootCmd.AddCommand(ingestCmd)
}
