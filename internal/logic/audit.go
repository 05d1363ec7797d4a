package logic

import (
	"context"

	"go.uber.org/zap"

	"rocket-dataservice/internal/engine"
)

// BulkAudit logs every operation of a bulk call once all items succeeded.
// Nested operations are logged with their depth.
type BulkAudit struct {
	logger *zap.Logger
}

func NewBulkAudit(logger *zap.Logger) *BulkAudit {
	return &BulkAudit{logger: logger.Named("audit")}
}

func (a *BulkAudit) Execute(_ context.Context, b *engine.BulkServiceContext) error {
	contexts := b.Contexts()
	for _, sc := range contexts {
		fields := []zap.Field{
			zap.String("user", sc.UserID()),
			zap.String("table", sc.Table()),
			zap.String("kind", string(sc.Kind())),
			zap.Int("depth", sc.Depth()),
		}
		if e, rec := sc.Descriptor(), sc.Entity(); e != nil && rec != nil {
			fields = append(fields, zap.String("id", rec.Value(e.PrimaryKey.Field).Text()))
		}
		a.logger.Info("bulk operation", fields...)
	}
	b.OutputParameters["audited"] = len(contexts)
	return nil
}
