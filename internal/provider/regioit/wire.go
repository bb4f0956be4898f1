package regioit

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// flexID 兼容上游把 ID 写成整数或字符串的情况。
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) Int() (int, bool) {
	n, err := strconv.Atoi(string(f))
	return n, err == nil
}

type wireOrt struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type wireHausnummer struct {
	ID   flexID `json:"id"`
	Nr   string `json:"nr"`
	Name string `json:"name"`
}

func (h wireHausnummer) label() string {
	if s := strings.TrimSpace(h.Nr); s != "" {
		return s
	}
	return strings.TrimSpace(h.Name)
}

// houseNumberKeys 是上游（不同部署/版本）使用过的房号列表字段名，按优先级排列。
var houseNumberKeys = []string{"hausNrList", "hausnummern", "hausNummern", "houseNumbers"}

type wireStrasse struct {
	ID           int
	Name         string
	HouseNumbers []wireHausnummer
}

func (s *wireStrasse) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var base struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(b, &base); err != nil {
		return err
	}
	s.ID = base.ID
	s.Name = base.Name
	s.HouseNumbers = nil
	for _, k := range houseNumberKeys {
		v, ok := raw[k]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		if err := json.Unmarshal(v, &s.HouseNumbers); err != nil {
			return err
		}
		break
	}
	return nil
}

type wireFraktion struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Farbe      string `json:"farbe"`
	IconNummer flexID `json:"iconNummer"`
}

type wireTermin struct {
	ID     int    `json:"id"`
	Datum  string `json:"datum"`
	Bezirk struct {
		ID         int    `json:"id"`
		Name       string `json:"name"`
		FraktionID int    `json:"fraktionId"`
	} `json:"bezirk"`
}
