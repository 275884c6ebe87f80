package middlewares

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"bitbucket.org/mmdatafocus/pagu_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders batch the lookups a response needs on top of what the core returns.
type Loaders struct {
	AccountLoader  *dataloader.Loader[int, *models.Account]
	DocumentLoader *dataloader.Loader[int, []*models.Document]
}

type accountReader struct {
	store models.Store
}

// GetAccounts reads all keys in one unit of work. Accounts of another
// organization are reported as not found.
func (r accountReader) GetAccounts(ctx context.Context, ids []int) []*dataloader.Result[*models.Account] {
	orgId, _ := utils.GetOrganizationIdFromContext(ctx)
	results := make([]*dataloader.Result[*models.Account], len(ids))
	err := r.store.InTx(ctx, func(tx models.StoreTx) error {
		for i, id := range ids {
			acc, err := tx.GetAccount(id)
			if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
				return err
			}
			if acc == nil || acc.OrganizationId != orgId {
				results[i] = &dataloader.Result[*models.Account]{Error: models.ErrRecordNotFound}
				continue
			}
			results[i] = &dataloader.Result[*models.Account]{Data: acc}
		}
		return nil
	})
	if err != nil {
		return handleError[*models.Account](len(ids), err)
	}
	return results
}

type documentReader struct {
	store         models.Store
	referenceType string
}

func (r documentReader) GetDocuments(ctx context.Context, referenceIds []int) []*dataloader.Result[[]*models.Document] {
	orgId, _ := utils.GetOrganizationIdFromContext(ctx)
	var docs []*models.Document
	err := r.store.InTx(ctx, func(tx models.StoreTx) error {
		for _, id := range referenceIds {
			found, err := tx.ListDocuments(r.referenceType, id)
			if err != nil {
				return err
			}
			docs = append(docs, found...)
		}
		return nil
	})
	if err != nil {
		return handleError[[]*models.Document](len(referenceIds), err)
	}
	byReference := make(map[int][]*models.Document)
	for _, d := range docs {
		if d.OrganizationId == orgId {
			byReference[d.ReferenceId] = append(byReference[d.ReferenceId], d)
		}
	}
	results := make([]*dataloader.Result[[]*models.Document], 0, len(referenceIds))
	for _, id := range referenceIds {
		results = append(results, &dataloader.Result[[]*models.Document]{Data: byReference[id]})
	}
	return results
}

func NewLoaders(store models.Store) *Loaders {
	accounts := accountReader{store: store}
	requestDocuments := documentReader{store: store, referenceType: models.DocumentReferenceRequest}
	return &Loaders{
		AccountLoader:  dataloader.NewBatchedLoader(accounts.GetAccounts, dataloader.WithWait[int, *models.Account](time.Millisecond)),
		DocumentLoader: dataloader.NewBatchedLoader(requestDocuments.GetDocuments, dataloader.WithWait[int, []*models.Document](time.Millisecond)),
	}
}

// LoaderMiddleware gives every request its own loaders, so nothing is cached across requests.
func LoaderMiddleware(store func() models.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := store()
		if s == nil {
			c.Next()
			return
		}
		ctx := context.WithValue(c.Request.Context(), loadersKey, NewLoaders(s))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// For returns the loaders installed by LoaderMiddleware, or nil.
func For(ctx context.Context) *Loaders {
	loaders, _ := ctx.Value(loadersKey).(*Loaders)
	return loaders
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}
