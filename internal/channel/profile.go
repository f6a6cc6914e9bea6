package channel

import (
	"strconv"
	"time"
)

// Times records the billing-relevant moments of a call leg.
type Times struct {
	Created        time.Time `json:"created"`
	ProfileCreated time.Time `json:"profile_created"`
	Progress       time.Time `json:"progress,omitempty"`
	ProgressMedia  time.Time `json:"progress_media,omitempty"`
	Answered       time.Time `json:"answered,omitempty"`
	Hungup         time.Time `json:"hungup,omitempty"`
	Transferred    time.Time `json:"transferred,omitempty"`
}

// CallerProfile is the identity and routing data of a call leg. Once handed
// to a channel the identity fields are never modified; only Times advances.
type CallerProfile struct {
	Username          string `json:"username,omitempty"`
	Dialplan          string `json:"dialplan,omitempty"`
	CallerIDName      string `json:"caller_id_name,omitempty"`
	CallerIDNumber    string `json:"caller_id_number,omitempty"`
	NetworkAddr       string `json:"network_addr,omitempty"`
	ANI               string `json:"ani,omitempty"`
	DestinationNumber string `json:"destination_number,omitempty"`
	Context           string `json:"context,omitempty"`
	Source            string `json:"source,omitempty"`
	UUID              string `json:"uuid,omitempty"`
	ChannelName       string `json:"channel_name,omitempty"`

	Times Times `json:"times"`

	originator *CallerProfile
	originatee *CallerProfile
}

// clone copies the profile and its cross-links (the linked profiles are
// copied one level deep).
func (p *CallerProfile) clone() *CallerProfile {
	if p == nil {
		return nil
	}
	c := *p
	if p.originator != nil {
		o := *p.originator
		o.originator, o.originatee = nil, nil
		c.originator = &o
	}
	if p.originatee != nil {
		o := *p.originatee
		o.originator, o.originatee = nil, nil
		c.originatee = &o
	}
	return &c
}

// Originator is the profile of the leg that spawned this one, if any.
func (p *CallerProfile) Originator() *CallerProfile { return p.originator }

// Originatee is the profile of the leg this one spawned, if any.
func (p *CallerProfile) Originatee() *CallerProfile { return p.originatee }

func epochMicros(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}

// Field returns a profile field by its variable name.
func (p *CallerProfile) Field(name string) (string, bool) {
	switch name {
	case "username":
		return p.Username, true
	case "dialplan":
		return p.Dialplan, true
	case "caller_id_name":
		return p.CallerIDName, true
	case "caller_id_number":
		return p.CallerIDNumber, true
	case "network_addr":
		return p.NetworkAddr, true
	case "ani":
		return p.ANI, true
	case "destination_number":
		return p.DestinationNumber, true
	case "context":
		return p.Context, true
	case "source":
		return p.Source, true
	case "uuid":
		return p.UUID, true
	case "chan_name", "channel_name":
		return p.ChannelName, true
	case "created_time":
		return epochMicros(p.Times.Created), true
	case "profile_created_time":
		return epochMicros(p.Times.ProfileCreated), true
	case "progress_time":
		return epochMicros(p.Times.Progress), true
	case "progress_media_time":
		return epochMicros(p.Times.ProgressMedia), true
	case "answered_time":
		return epochMicros(p.Times.Answered), true
	case "hangup_time":
		return epochMicros(p.Times.Hungup), true
	case "transfer_time":
		return epochMicros(p.Times.Transferred), true
	}
	return "", false
}

// eventHeaders renders the profile the way lifecycle events carry it.
func (p *CallerProfile) eventHeaders(prefix string) []Header {
	return []Header{
		{prefix + "-Username", p.Username},
		{prefix + "-Dialplan", p.Dialplan},
		{prefix + "-Caller-ID-Name", p.CallerIDName},
		{prefix + "-Caller-ID-Number", p.CallerIDNumber},
		{prefix + "-Network-Addr", p.NetworkAddr},
		{prefix + "-ANI", p.ANI},
		{prefix + "-Destination-Number", p.DestinationNumber},
		{prefix + "-Unique-ID", p.UUID},
		{prefix + "-Source", p.Source},
		{prefix + "-Context", p.Context},
		{prefix + "-Channel-Name", p.ChannelName},
		{prefix + "-Channel-Created-Time", epochMicros(p.Times.Created)},
		{prefix + "-Channel-Answered-Time", epochMicros(p.Times.Answered)},
		{prefix + "-Channel-Progress-Time", epochMicros(p.Times.Progress)},
		{prefix + "-Channel-Progress-Media-Time", epochMicros(p.Times.ProgressMedia)},
		{prefix + "-Channel-Hangup-Time", epochMicros(p.Times.Hungup)},
		{prefix + "-Channel-Transfer-Time", epochMicros(p.Times.Transferred)},
	}
}
