package plex

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
)

// container is the decoded MediaContainer shape, independent of whether
// the server answered JSON or XML. Only the attributes the gateway
// surfaces are captured.
type container struct {
	Size              int
	Version           string
	FriendlyName      string
	MachineIdentifier string
	Directories       []entry
	Items             []entry
	Settings          []setting
}

// entry is one Directory/Video/Metadata element.
type entry struct {
	RatingKey string
	Key       string
	Title     string
	Type      string
	Year      int
	UpdatedAt int64
	ViewedAt  int64
	User      string
	Player    string
}

type setting struct {
	ID    string
	Value string
	Type  string
}

// JSON wire shapes. The server wraps everything in a MediaContainer
// object; items live under Metadata, library sections under Directory.

type jsonEnvelope struct {
	MediaContainer jsonContainer `json:"MediaContainer"`
}

type jsonContainer struct {
	Size              int           `json:"size"`
	Version           string        `json:"version"`
	FriendlyName      string        `json:"friendlyName"`
	MachineIdentifier string        `json:"machineIdentifier"`
	Directory         []jsonEntry   `json:"Directory"`
	Metadata          []jsonEntry   `json:"Metadata"`
	Setting           []jsonSetting `json:"Setting"`
}

type jsonEntry struct {
	RatingKey string `json:"ratingKey"`
	Key       string `json:"key"`
	Title     string `json:"title"`
	Type      string `json:"type"`
	Year      int    `json:"year"`
	UpdatedAt int64  `json:"updatedAt"`
	ViewedAt  int64  `json:"viewedAt"`
	User      *struct {
		Title string `json:"title"`
	} `json:"User"`
	Player *struct {
		State string `json:"state"`
	} `json:"Player"`
}

type jsonSetting struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
	Type  string          `json:"type"`
}

// XML wire shapes, used when the server ignores the JSON Accept header.

type xmlContainer struct {
	XMLName           xml.Name     `xml:"MediaContainer"`
	Size              int          `xml:"size,attr"`
	Version           string       `xml:"version,attr"`
	FriendlyName      string       `xml:"friendlyName,attr"`
	MachineIdentifier string       `xml:"machineIdentifier,attr"`
	Directories       []xmlEntry   `xml:"Directory"`
	Videos            []xmlEntry   `xml:"Video"`
	Tracks            []xmlEntry   `xml:"Track"`
	Settings          []xmlSetting `xml:"Setting"`
}

type xmlEntry struct {
	RatingKey string `xml:"ratingKey,attr"`
	Key       string `xml:"key,attr"`
	Title     string `xml:"title,attr"`
	Type      string `xml:"type,attr"`
	Year      int    `xml:"year,attr"`
	UpdatedAt int64  `xml:"updatedAt,attr"`
	ViewedAt  int64  `xml:"viewedAt,attr"`
	User      *struct {
		Title string `xml:"title,attr"`
	} `xml:"User"`
	Player *struct {
		State string `xml:"state,attr"`
	} `xml:"Player"`
}

type xmlSetting struct {
	ID    string `xml:"id,attr"`
	Value string `xml:"value,attr"`
	Type  string `xml:"type,attr"`
}

// decodeContainer accepts either wire format. The server identifies XML
// bodies by their leading angle bracket; everything else is JSON.
func decodeContainer(raw []byte) (*container, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return &container{}, nil
	}
	if trimmed[0] == '<' {
		return decodeXML(trimmed)
	}
	return decodeJSON(trimmed)
}

func decodeJSON(raw []byte) (*container, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode media container: %w", err)
	}
	mc := env.MediaContainer

	c := &container{
		Size:              mc.Size,
		Version:           mc.Version,
		FriendlyName:      mc.FriendlyName,
		MachineIdentifier: mc.MachineIdentifier,
	}
	for _, d := range mc.Directory {
		c.Directories = append(c.Directories, d.toEntry())
	}
	for _, m := range mc.Metadata {
		c.Items = append(c.Items, m.toEntry())
	}
	for _, s := range mc.Setting {
		c.Settings = append(c.Settings, setting{
			ID:    s.ID,
			Value: string(bytes.Trim(s.Value, `"`)),
			Type:  s.Type,
		})
	}
	return c, nil
}

func (e jsonEntry) toEntry() entry {
	out := entry{
		RatingKey: e.RatingKey,
		Key:       e.Key,
		Title:     e.Title,
		Type:      e.Type,
		Year:      e.Year,
		UpdatedAt: e.UpdatedAt,
		ViewedAt:  e.ViewedAt,
	}
	if e.User != nil {
		out.User = e.User.Title
	}
	if e.Player != nil {
		out.Player = e.Player.State
	}
	return out
}

func decodeXML(raw []byte) (*container, error) {
	var mc xmlContainer
	if err := xml.Unmarshal(raw, &mc); err != nil {
		return nil, fmt.Errorf("decode media container: %w", err)
	}

	c := &container{
		Size:              mc.Size,
		Version:           mc.Version,
		FriendlyName:      mc.FriendlyName,
		MachineIdentifier: mc.MachineIdentifier,
	}
	for _, d := range mc.Directories {
		c.Directories = append(c.Directories, d.toEntry())
	}
	for _, v := range mc.Videos {
		c.Items = append(c.Items, v.toEntry())
	}
	for _, t := range mc.Tracks {
		c.Items = append(c.Items, t.toEntry())
	}
	for _, s := range mc.Settings {
		c.Settings = append(c.Settings, setting(s))
	}
	return c, nil
}

func (e xmlEntry) toEntry() entry {
	out := entry{
		RatingKey: e.RatingKey,
		Key:       e.Key,
		Title:     e.Title,
		Type:      e.Type,
		Year:      e.Year,
		UpdatedAt: e.UpdatedAt,
		ViewedAt:  e.ViewedAt,
	}
	if e.User != nil {
		out.User = e.User.Title
	}
	if e.Player != nil {
		out.Player = e.Player.State
	}
	return out
}
