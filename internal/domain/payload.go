package domain

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"unicode/utf8"
)

const (
	// MaxTextLength задаёт лимит Telegram на длину текста сообщения в символах.
	MaxTextLength = 4096
	// MaxCaptionLength задаёт лимит Telegram на длину подписи к фото.
	MaxCaptionLength = 1024
)

// PayloadKind определяет вид содержимого рассылки.
type PayloadKind string

const (
	PayloadText             PayloadKind = "text"
	PayloadTextVariants     PayloadKind = "text_variants"
	PayloadPhoto            PayloadKind = "photo"
	PayloadPhotoWithCaption PayloadKind = "photo_with_caption"
)

// Payload описывает содержимое сообщения. Вид выбирается при создании рассылки.
type Payload struct {
	Kind     PayloadKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	Variants []string    `json:"variants,omitempty"`
	Photo    string      `json:"photo,omitempty"`
}

// TextPayload создаёт текстовое сообщение.
func TextPayload(text string) Payload {
	return Payload{Kind: PayloadText, Text: text}
}

// VariantsPayload создаёт сообщение со случайным выбором одного из текстов.
func VariantsPayload(variants ...string) Payload {
	return Payload{Kind: PayloadTextVariants, Variants: append([]string(nil), variants...)}
}

// PhotoPayload создаёт сообщение с фото без подписи.
func PhotoPayload(ref string) Payload {
	return Payload{Kind: PayloadPhoto, Photo: ref}
}

// PhotoWithCaptionPayload создаёт сообщение с фото и подписью.
func PhotoWithCaptionPayload(ref, caption string) Payload {
	return Payload{Kind: PayloadPhotoWithCaption, Photo: ref, Text: caption}
}

// NewPayload выбирает вид сообщения по заполненным полям.
// Текст с разделителем "||" превращается в набор вариантов.
func NewPayload(text, photo string) (Payload, error) {
	text = strings.TrimSpace(text)
	photo = strings.TrimSpace(photo)
	var p Payload
	switch {
	case photo != "" && text != "":
		p = PhotoWithCaptionPayload(photo, text)
	case photo != "":
		p = PhotoPayload(photo)
	case strings.Contains(text, "||"):
		p = VariantsPayload(ParseTextVariants(text)...)
	default:
		p = TextPayload(text)
	}
	return p, p.Validate()
}

// Validate проверяет согласованность полей.
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadText:
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: пустой текст", ErrInvalidJob)
		}
		return checkLength(p.Text, MaxTextLength, "текст")
	case PayloadTextVariants:
		if len(p.Variants) == 0 {
			return fmt.Errorf("%w: нет вариантов текста", ErrInvalidJob)
		}
		for _, v := range p.Variants {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%w: пустой вариант текста", ErrInvalidJob)
			}
			if err := checkLength(v, MaxTextLength, "вариант текста"); err != nil {
				return err
			}
		}
	case PayloadPhoto, PayloadPhotoWithCaption:
		if strings.TrimSpace(p.Photo) == "" {
			return fmt.Errorf("%w: не указано фото", ErrInvalidJob)
		}
		if p.Kind == PayloadPhotoWithCaption {
			if strings.TrimSpace(p.Text) == "" {
				return fmt.Errorf("%w: пустая подпись", ErrInvalidJob)
			}
			return checkLength(p.Text, MaxCaptionLength, "подпись")
		}
	default:
		return fmt.Errorf("%w: неизвестный вид сообщения %q", ErrInvalidJob, p.Kind)
	}
	return nil
}

func checkLength(text string, limit int, what string) error {
	if n := utf8.RuneCountInString(text); n > limit {
		return fmt.Errorf("%w: %s длиннее %d символов (%d)", ErrInvalidJob, what, limit, n)
	}
	return nil
}

// HasPhoto сообщает, что нужно отправлять фото.
func (p Payload) HasPhoto() bool {
	return p.Kind == PayloadPhoto || p.Kind == PayloadPhotoWithCaption
}

// PickText возвращает текст для очередной отправки.
// pick получает число вариантов и возвращает индекс; nil означает равномерный выбор.
func (p Payload) PickText(pick func(n int) int) string {
	if p.Kind != PayloadTextVariants {
		return p.Text
	}
	if len(p.Variants) == 0 {
		return ""
	}
	if pick == nil {
		pick = rand.IntN
	}
	return p.Variants[pick(len(p.Variants))]
}

// Preview возвращает короткое описание для журналов и списков.
func (p Payload) Preview(limit int) string {
	text := p.Text
	if p.Kind == PayloadTextVariants {
		text = strings.Join(p.Variants, " || ")
	}
	if text == "" && p.HasPhoto() {
		text = "[фото]"
	}
	return Truncate(text, limit)
}

// Truncate обрезает строку по рунам, добавляя многоточие.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

// MarshalPayload кодирует содержимое для хранения.
func MarshalPayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPayload декодирует сохранённое содержимое.
func UnmarshalPayload(raw []byte) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, fmt.Errorf("%w: пустое содержимое", ErrInvalidJob)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
