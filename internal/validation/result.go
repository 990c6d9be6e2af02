// Package validation содержит разбор ответа внешнего валидатора чеков.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mmeshcher/receiptdraw/internal/model"
)

// UnknownReason подставляется, если валидатор не вернул причину.
const UnknownReason = "Không xác định"

// ErrMalformed возвращается, если ответ не является JSON-объектом
// или не содержит булево поле valid.
var ErrMalformed = fmt.Errorf("%w: malformed validator response", model.ErrValidation)

// Parse разбирает ответ валидатора. Отсутствующие reason и data заполняются
// значениями по умолчанию. Ответ без корректного valid считается недоверенным:
// возвращается результат с Valid == false и ошибка ErrMalformed.
func Parse(raw string) (model.ValidationResult, error) {
	res := model.ValidationResult{Reason: UnknownReason}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripFences(raw)), &fields); err != nil {
		return res, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return res, fmt.Errorf("%w: null document", ErrMalformed)
	}

	if v, ok := fields["reason"]; ok {
		var reason string
		if err := json.Unmarshal(v, &reason); err == nil && strings.TrimSpace(reason) != "" {
			res.Reason = reason
		}
	}

	if v, ok := fields["data"]; ok {
		res.Data = parseData(v)
	}

	v, ok := fields["valid"]
	if !ok {
		return res, fmt.Errorf("%w: missing valid", ErrMalformed)
	}
	var valid bool
	if err := json.Unmarshal(v, &valid); err != nil || string(v) == "null" {
		return res, fmt.Errorf("%w: valid is not a boolean", ErrMalformed)
	}
	res.Valid = valid

	return res, nil
}

func parseData(raw json.RawMessage) model.InvoiceData {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return model.InvoiceData{}
	}
	return model.InvoiceData{
		InvoiceID: optionalString(fields["invoice_id"]),
		ShopName:  optionalString(fields["shop_name"]),
	}
}

func optionalString(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// stripFences убирает markdown-ограждение ```json ... ```, которым модели часто оборачивают JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if _, after, ok := strings.Cut(s, "```json"); ok {
		body, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(body)
	}
	if _, after, ok := strings.Cut(s, "```"); ok {
		body, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(body)
	}
	return s
}
