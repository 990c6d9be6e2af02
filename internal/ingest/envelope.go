// Package ingest принимает события вебхука, отсеивает шум и повторные доставки
// и запускает конвейер обработки в фоне.
package ingest

// PageObject значение поля object для событий страниц.
const PageObject = "page"

// Envelope тело запроса вебхука.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry события одной страницы (арендатора).
type Entry struct {
	ID        string  `json:"id"`
	Time      int64   `json:"time"`
	Messaging []Event `json:"messaging"`
}

// Event одно событие переписки.
type Event struct {
	Sender    Party    `json:"sender"`
	Recipient Party    `json:"recipient"`
	Timestamp int64    `json:"timestamp"`
	Message   *Message `json:"message,omitempty"`
}

// Party участник переписки.
type Party struct {
	ID string `json:"id"`
}

// Message входящее сообщение.
type Message struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text,omitempty"`
	IsEcho      bool         `json:"is_echo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment вложение сообщения.
type Attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

func (m *Message) imageURLs() []string {
	var urls []string
	for _, a := range m.Attachments {
		if a.Type == "image" && a.Payload.URL != "" {
			urls = append(urls, a.Payload.URL)
		}
	}
	return urls
}
