package kora

import "fmt"

// APIError — сервер ответил статусом >= 400. Это терминальная ошибка
// уровня приложения: ретраев по ней не бывает.
type APIError struct {
	Code       string
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kora api error %s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
}

// NetworkError — транспортный сбой (connection refused, timeout, reset).
// Единственный класс ошибок, по которому клиент уходит на повторную
// попытку с тем же intent_id и свежим nonce.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("kora network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
