package workflow

import (
	"context"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"bitbucket.org/mmdatafocus/pagu_backend/utils"
)

// AttachmentValidator decides whether a request carries every required attachment.
type AttachmentValidator interface {
	IsComplete(ctx context.Context, requestId int, kind models.RequestKind) (bool, error)
}

// ObjectChecker verifies that an attachment's file exists in storage.
type ObjectChecker interface {
	Exists(ctx context.Context, url string) (bool, error)
}

type GCSObjectChecker struct{}

func (GCSObjectChecker) Exists(ctx context.Context, url string) (bool, error) {
	key, err := utils.ObjectKeyFromURL(url)
	if err != nil {
		// unparseable or foreign urls never count as an attachment
		return false, nil
	}
	return utils.ObjectExistsInGCS(ctx, key)
}

// DefaultRequiredDocuments lists the document types each request kind needs before finalize.
// ATTACHMENT_REQUIRED_<KIND>="spp;spj" overrides a kind.
func DefaultRequiredDocuments() map[models.RequestKind][]string {
	required := map[models.RequestKind][]string{
		models.RequestKindUP: {"spp"},
		models.RequestKindGU: {"spp", "spj"},
		models.RequestKindTU: {"spp", "rencana_penggunaan"},
		models.RequestKindLS: {"spp", "kuitansi", "bukti_pendukung"},
	}
	for kind := range required {
		if v, ok := os.LookupEnv("ATTACHMENT_REQUIRED_" + string(kind)); ok {
			var types []string
			for _, part := range strings.Split(v, ";") {
				if t := strings.ToLower(strings.TrimSpace(part)); t != "" {
					types = append(types, t)
				}
			}
			required[kind] = types
		}
	}
	return required
}

// DocumentAttachmentValidator checks the request's Document rows against the
// required types, and optionally that each file exists.
type DocumentAttachmentValidator struct {
	store    models.Store
	required map[models.RequestKind][]string
	objects  ObjectChecker
}

func NewDocumentAttachmentValidator(store models.Store, required map[models.RequestKind][]string, objects ObjectChecker) *DocumentAttachmentValidator {
	return &DocumentAttachmentValidator{store: store, required: required, objects: objects}
}

func (v *DocumentAttachmentValidator) IsComplete(ctx context.Context, requestId int, kind models.RequestKind) (bool, error) {
	var docs []*models.Document
	err := v.store.InTx(ctx, func(tx models.StoreTx) error {
		var err error
		docs, err = tx.ListDocuments(models.DocumentReferenceRequest, requestId)
		return err
	})
	if err != nil {
		return false, err
	}

	present := make(map[string][]*models.Document)
	for _, d := range docs {
		present[d.DocumentType] = append(present[d.DocumentType], d)
	}
	for _, docType := range v.required[kind] {
		found := present[docType]
		if len(found) == 0 {
			return false, nil
		}
		if v.objects == nil {
			continue
		}
		ok, err := v.anyExists(ctx, found)
		if err != nil {
			return false, fmt.Errorf("check %s attachment: %w", docType, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (v *DocumentAttachmentValidator) anyExists(ctx context.Context, docs []*models.Document) (bool, error) {
	for _, d := range docs {
		ok, err := v.objects.Exists(ctx, d.DocumentUrl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
