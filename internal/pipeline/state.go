// Package pipeline реализует обработку одного изображения чека: загрузка арендатора,
// распознавание, проверка, розыгрыш и отправка ответа.
package pipeline

import (
	"fmt"

	"github.com/mmeshcher/receiptdraw/internal/model"
)

// Stage обозначает последний завершённый этап конвейера.
type Stage int

const (
	StageStart Stage = iota
	StageTenantLoaded
	StageOCRComplete
	StageValidated
	StageRewardDecided
	StageDispatched
)

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "start"
	case StageTenantLoaded:
		return "tenant_loaded"
	case StageOCRComplete:
		return "ocr_complete"
	case StageValidated:
		return "validated"
	case StageRewardDecided:
		return "reward_decided"
	case StageDispatched:
		return "dispatched"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Outcome итог обработки чека с точки зрения пользователя.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeRewarded
	OutcomeDuplicate
	OutcomeInvalid
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeRewarded:
		return "rewarded"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StageError описывает сбой этапа. Kind одна из ошибок model.Err*.
type StageError struct {
	Kind  error
	Stage Stage
	Cause error
}

func (e *StageError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Cause)
}

// Unwrap позволяет сопоставлять StageError и с видом ошибки, и с причиной.
func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Cause}
}

// Job входные данные одного запуска: одно изображение от одного отправителя.
type Job struct {
	TenantID  string
	SenderID  string
	MessageID string
	ImageURL  string
}

// State состояние одного запуска конвейера. Существует только в памяти на время запуска.
type State struct {
	Job
	RunID string

	Stage   Stage
	Outcome Outcome

	Tenant     *model.TenantConfig
	OCRText    string
	Validation *model.ValidationResult
	InvoiceID  string
	Prize      *model.Prize
	Reply      string

	// Err первый сбой этапа. После его установки этапы не выполняют внешних вызовов,
	// кроме отправки ответа.
	Err *StageError
	// DispatchErr сбой отправки ответа.
	DispatchErr *StageError
}

// fail фиксирует сбой этапа и текст ответа пользователю.
func (s *State) fail(stage Stage, kind, cause error, reply string) {
	s.Err = &StageError{Kind: kind, Stage: stage, Cause: cause}
	s.Outcome = OutcomeFailed
	s.Reply = reply
}

// Failed сообщает, произошёл ли сбой до отправки ответа.
func (s *State) Failed() bool {
	return s.Err != nil
}
