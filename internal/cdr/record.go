// Package cdr turns channel hangup events into call detail records and
// hands them to storage sinks.
package cdr

import (
	"errors"
	"strconv"
	"time"

	"firestige.xyz/callcore/internal/channel"
)

var ErrNotHangup = errors.New("event carries no hangup data")

// Record is one call detail record.
type Record struct {
	UUID              string    `json:"uuid"`
	ChannelName       string    `json:"channel_name"`
	CallerIDName      string    `json:"caller_id_name,omitempty"`
	CallerIDNumber    string    `json:"caller_id_number,omitempty"`
	DestinationNumber string    `json:"destination_number,omitempty"`
	NetworkAddr       string    `json:"network_addr,omitempty"`
	Context           string    `json:"context,omitempty"`
	Created           time.Time `json:"created"`
	Answered          time.Time `json:"answered,omitempty"`
	Hungup            time.Time `json:"hungup"`
	Duration          int64     `json:"duration"` // seconds
	Billsec           int64     `json:"billsec"`
	Billmsec          int64     `json:"billmsec"`
	HangupCause       string    `json:"hangup_cause"`
	HangupCauseQ850   int       `json:"hangup_cause_q850"`
}

// FromEvent builds a record from a CHANNEL_HANGUP or CHANNEL_HANGUP_COMPLETE
// event.
func FromEvent(ev *channel.Event) (Record, error) {
	cause := ev.Header("variable_" + channel.VarHangupCause)
	if cause == "" {
		cause = ev.Header("Hangup-Cause")
	}
	if ev.UUID == "" || cause == "" {
		return Record{}, ErrNotHangup
	}

	r := Record{
		UUID:              ev.UUID,
		ChannelName:       ev.Header("Channel-Name"),
		CallerIDName:      ev.Header("Caller-Caller-ID-Name"),
		CallerIDNumber:    ev.Header("Caller-Caller-ID-Number"),
		DestinationNumber: ev.Header("Caller-Destination-Number"),
		NetworkAddr:       ev.Header("Caller-Network-Addr"),
		Context:           ev.Header("Caller-Context"),
		Created:           micros(ev.Header("Caller-Channel-Created-Time")),
		Answered:          micros(ev.Header("Caller-Channel-Answered-Time")),
		Hungup:            micros(ev.Header("Caller-Channel-Hangup-Time")),
		Duration:          integer(ev.Header("variable_duration")),
		Billsec:           integer(ev.Header("variable_billsec")),
		Billmsec:          integer(ev.Header("variable_billmsec")),
		HangupCause:       cause,
		HangupCauseQ850:   int(integer(ev.Header("variable_" + channel.VarHangupCauseQ))),
	}
	if r.Hungup.IsZero() {
		r.Hungup = ev.Timestamp
	}
	return r, nil
}

func micros(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.UnixMicro(n)
}

func integer(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
