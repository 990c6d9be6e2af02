package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/receiptdraw/internal/ledger"
	"github.com/mmeshcher/receiptdraw/internal/model"
	"github.com/mmeshcher/receiptdraw/internal/validation"
)

// TenantResolver загружает конфигурацию активного арендатора.
type TenantResolver interface {
	Resolve(ctx context.Context, tenantID string) (*model.TenantConfig, error)
}

// Extractor распознаёт текст на изображении.
type Extractor interface {
	Extract(ctx context.Context, imageURL string) (string, error)
}

// Validator проверяет текст чека по правилам арендатора и возвращает сырой ответ.
type Validator interface {
	Validate(ctx context.Context, text string, tenant *model.TenantConfig) (string, error)
}

// Ledger реестр погашений.
type Ledger interface {
	IsUsed(ctx context.Context, tenantID, invoiceID string) bool
	Claim(ctx context.Context, tenantID, invoiceID, senderID, prizeName string) error
}

// Selector выбирает приз из таблицы.
type Selector interface {
	Draw(prizes []model.Prize) model.Prize
}

// Deps внешние зависимости конвейера.
type Deps struct {
	Tenants    TenantResolver
	OCR        Extractor
	Validator  Validator
	Ledger     Ledger
	Selector   Selector
	Dispatcher *Dispatcher
}

// Orchestrator выполняет этапы конвейера строго по порядку.
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New создаёт Orchestrator.
func New(deps Deps, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer("github.com/mmeshcher/receiptdraw/internal/pipeline"),
		now:    time.Now,
	}
}

type stageFunc func(ctx context.Context, st *State, log *zap.Logger)

// Run обрабатывает одно изображение и всегда пытается отправить ответ.
// Ошибки этапов не возвращаются, а сохраняются в State.
func (o *Orchestrator) Run(ctx context.Context, job Job) *State {
	st := &State{Job: job, RunID: uuid.NewString()}

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run_id", st.RunID),
		attribute.String("tenant_id", job.TenantID),
	))
	defer span.End()

	log := o.logger.With(
		zap.String("run_id", st.RunID),
		zap.String("tenant_id", job.TenantID),
		zap.String("sender_id", job.SenderID),
		zap.String("message_id", job.MessageID),
	)

	o.step(ctx, st, log, StageTenantLoaded, o.loadTenant)
	o.step(ctx, st, log, StageOCRComplete, o.extract)
	o.step(ctx, st, log, StageValidated, o.validate)
	o.step(ctx, st, log, StageRewardDecided, o.decide)
	o.step(ctx, st, log, StageDispatched, o.dispatch)

	runsTotal.WithLabelValues(st.Outcome.String()).Inc()
	span.SetAttributes(attribute.String("outcome", st.Outcome.String()))

	fields := []zap.Field{
		zap.String("outcome", st.Outcome.String()),
		zap.String("invoice_id", st.InvoiceID),
	}
	if st.Prize != nil {
		fields = append(fields, zap.String("prize", st.Prize.Name))
	}
	if st.Err != nil {
		fields = append(fields, zap.Error(st.Err))
	}
	if st.DispatchErr != nil {
		fields = append(fields, zap.NamedError("dispatch_error", st.DispatchErr))
	}
	log.Info("pipeline finished", fields...)

	return st
}

func (o *Orchestrator) step(ctx context.Context, st *State, log *zap.Logger, stage Stage, fn stageFunc) {
	ctx, span := o.tracer.Start(ctx, "pipeline."+stage.String())
	defer span.End()

	hadErr := st.Err != nil
	start := time.Now()

	fn(ctx, st, log)

	st.Stage = stage
	stageDuration.WithLabelValues(stage.String()).Observe(time.Since(start).Seconds())

	var failure *StageError
	if !hadErr && st.Err != nil {
		failure = st.Err
	} else if stage == StageDispatched && st.DispatchErr != nil {
		failure = st.DispatchErr
	}
	if failure != nil {
		stageErrors.WithLabelValues(stage.String()).Inc()
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Kind.Error())
	}
}

func (o *Orchestrator) loadTenant(ctx context.Context, st *State, log *zap.Logger) {
	cfg, err := o.deps.Tenants.Resolve(ctx, st.TenantID)
	if err != nil {
		log.Warn("tenant is not available", zap.Error(err))
		st.fail(StageTenantLoaded, model.ErrConfiguration, err, InvalidReply(nil, TenantReason, ""))
		st.Outcome = OutcomeInvalid
		return
	}
	st.Tenant = cfg
}

func (o *Orchestrator) extract(ctx context.Context, st *State, log *zap.Logger) {
	if st.Failed() {
		return
	}

	text, err := o.deps.OCR.Extract(ctx, st.ImageURL)
	if err != nil {
		log.Error("ocr failed", zap.Error(err))
		st.fail(StageOCRComplete, model.ErrExtraction, err, UnreadableReply)
		return
	}
	if strings.TrimSpace(text) == "" {
		st.fail(StageOCRComplete, model.ErrExtraction, errors.New("empty ocr text"), UnreadableReply)
		return
	}
	st.OCRText = text
}

func (o *Orchestrator) validate(ctx context.Context, st *State, log *zap.Logger) {
	if st.Failed() {
		return
	}

	raw, err := o.deps.Validator.Validate(ctx, st.OCRText, st.Tenant)
	if err != nil {
		log.Error("validator call failed", zap.Error(err))
		st.fail(StageValidated, model.ErrValidation, err, BusyReply)
		return
	}

	res, err := validation.Parse(raw)
	if err != nil {
		log.Warn("validator response rejected", zap.Error(err), zap.Int("raw_len", len(raw)))
		st.fail(StageValidated, model.ErrValidation, err, BusyReply)
		return
	}
	st.Validation = &res
}

func (o *Orchestrator) decide(ctx context.Context, st *State, log *zap.Logger) {
	if st.Failed() {
		return
	}

	v := st.Validation
	if !v.Valid {
		detected := ""
		if v.Data.ShopName != nil {
			detected = *v.Data.ShopName
		}
		st.Outcome = OutcomeInvalid
		st.Reply = InvalidReply(st.Tenant, v.Reason, detected)
		return
	}

	if v.Data.InvoiceID != nil {
		st.InvoiceID = ledger.NormalizeInvoiceID(*v.Data.InvoiceID)
	} else {
		st.InvoiceID = ledger.FallbackInvoiceID(st.SenderID, o.now())
		log.Warn("validator returned no invoice id, using fallback", zap.String("invoice_id", st.InvoiceID))
	}

	if o.deps.Ledger.IsUsed(ctx, st.TenantID, st.InvoiceID) {
		st.Outcome = OutcomeDuplicate
		st.Reply = DuplicateReply(st.Tenant, st.InvoiceID)
		return
	}

	prize := o.deps.Selector.Draw(st.Tenant.Prizes)

	err := o.deps.Ledger.Claim(ctx, st.TenantID, st.InvoiceID, st.SenderID, prize.Name)
	switch {
	case err == nil:
		st.Prize = &prize
		st.Outcome = OutcomeRewarded
		st.Reply = WinReply(st.Tenant, st.InvoiceID, prize)
		prizesTotal.Inc()
	case errors.Is(err, model.ErrDuplicateRedemption):
		st.Outcome = OutcomeDuplicate
		st.Reply = DuplicateReply(st.Tenant, st.InvoiceID)
	default:
		log.Error("ledger claim failed", zap.Error(err))
		st.fail(StageRewardDecided, model.ErrLedgerUnavailable, err, BusyReply)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, st *State, log *zap.Logger) {
	if st.Reply == "" {
		if st.Err != nil {
			st.Reply = ErrorReply(st.Err)
		} else {
			st.Reply = DoneReply
		}
	}

	if err := o.deps.Dispatcher.Dispatch(ctx, st.SenderID, st.Tenant, st.Reply); err != nil {
		log.Error("reply dispatch failed", zap.Error(err))
		st.DispatchErr = &StageError{Kind: model.ErrDispatch, Stage: StageDispatched, Cause: err}
	}
}
