package model

import "errors"

var (
	// ErrConfiguration возвращается, если арендатор не найден или деактивирован.
	ErrConfiguration = errors.New("tenant configuration error")
	// ErrExtraction возвращается при сбое OCR.
	ErrExtraction = errors.New("text extraction failed")
	// ErrValidation возвращается при сбое валидатора или некорректном ответе.
	ErrValidation = errors.New("invoice validation failed")
	// ErrDuplicateRedemption возвращается при повторном погашении чека.
	ErrDuplicateRedemption = errors.New("invoice already redeemed")
	// ErrLedgerUnavailable возвращается, если реестр погашений не смог записать погашение.
	ErrLedgerUnavailable = errors.New("redemption ledger unavailable")
	// ErrDispatch возвращается при сбое отправки ответа.
	ErrDispatch = errors.New("reply dispatch failed")
	// ErrUnauthorized возвращается при неверном административном секрете.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTenantNotFound возвращается хранилищем, если арендатор отсутствует.
	ErrTenantNotFound = errors.New("tenant not found")
)
