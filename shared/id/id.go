// Package id provides ID generation helpers used across services.
package id

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultLength = 21

const (
	PrefixSession  = "sess"
	PrefixMessage  = "msg"
	PrefixSentence = "sent"
	PrefixToolCall = "call"
	PrefixReminder = "rem"
	PrefixJob      = "job"
)

func New(prefix string) string {
	id, err := nanoid.New(DefaultLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewWithLength(prefix string, length int) string {
	id, err := nanoid.New(length)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewSession() string  { return New(PrefixSession) }
func NewMessage() string  { return New(PrefixMessage) }
func NewSentence() string { return New(PrefixSentence) }
func NewToolCall() string { return New(PrefixToolCall) }
func NewReminder() string { return New(PrefixReminder) }
func NewJob() string      { return New(PrefixJob) }
