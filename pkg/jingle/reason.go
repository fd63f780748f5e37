package jingle

import "encoding/xml"

// ReasonCondition is the machine-readable part of a session-terminate reason.
type ReasonCondition string

const (
	ReasonSuccess           ReasonCondition = "success"
	ReasonCancel            ReasonCondition = "cancel"
	ReasonGone              ReasonCondition = "gone"
	ReasonExpired           ReasonCondition = "expired"
	ReasonGeneralError      ReasonCondition = "general-error"
	ReasonConnectivityError ReasonCondition = "connectivity-error"
	ReasonFailedTransport   ReasonCondition = "failed-transport"
	ReasonBusy              ReasonCondition = "busy"
)

// Reason is the <reason/> element of a session-terminate. The condition is an
// empty child element named after the condition, which does not map onto
// struct tags, hence the custom codec.
type Reason struct {
	Condition ReasonCondition
	Text      string
}

func (r Reason) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "reason"}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	cond := xml.StartElement{Name: xml.Name{Local: string(r.Condition)}}
	if err := e.EncodeToken(cond); err != nil {
		return err
	}
	if err := e.EncodeToken(cond.End()); err != nil {
		return err
	}
	if r.Text != "" {
		text := xml.StartElement{Name: xml.Name{Local: "text"}}
		if err := e.EncodeToken(text); err != nil {
			return err
		}
		if err := e.EncodeToken(xml.CharData(r.Text)); err != nil {
			return err
		}
		if err := e.EncodeToken(text.End()); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

func (r *Reason) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "text" {
				var text string
				if err := d.DecodeElement(&text, &t); err != nil {
					return err
				}
				r.Text = text
				continue
			}
			r.Condition = ReasonCondition(t.Name.Local)
			if err := d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}
