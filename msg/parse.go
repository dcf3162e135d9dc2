package msg

import "encoding/json"

//Inbound is a decoded client envelope. Optional fields are pointers so
//a missing field can be told apart from an empty one.
type Inbound struct {
	Type          *string
	ID            *string
	AppID         *string
	Side          *string
	ClientVersion []string
	Nameplate     *string
	Mailbox       *string
	Phase         *string
	Body          *string
	Ping          *int64
	Mood          string

	orig map[string]interface{}
}

//Orig returns the envelope as originally decoded, for echoing back
//inside error envelopes
func (in *Inbound) Orig() interface{} {
	return in.orig
}

//Parse decodes a single client text frame. A frame that is not a JSON
//object at all yields a decode error; a JSON object without a string
//type field parses fine but leaves Type nil for the handler to reject.
func Parse(data []byte) (*Inbound, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	in := &Inbound{orig: raw}
	in.Type = getString(raw, "type")
	in.ID = getString(raw, "id")
	in.AppID = getString(raw, "appid")
	in.Side = getString(raw, "side")
	in.Nameplate = getString(raw, "nameplate")
	in.Mailbox = getString(raw, "mailbox")
	in.Phase = getString(raw, "phase")
	in.Body = getString(raw, "body")

	if n, ok := raw["ping"].(float64); ok {
		ping := int64(n)
		in.Ping = &ping
	}

	if s := getString(raw, "mood"); s != nil {
		in.Mood = *s
	}

	if list, ok := raw["client_version"].([]interface{}); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				in.ClientVersion = append(in.ClientVersion, s)
			}
		}
	}

	return in, nil
}

func getString(raw map[string]interface{}, key string) *string {
	if s, ok := raw[key].(string); ok {
		return &s
	}
	return nil
}
