package envelope

import "fmt"

// Identity names one end of a connection as observed by the host environment:
// the process and document that opened it, the frame within the document, and
// the page's origin and url. An identity is fixed for the life of a link.
type Identity struct {
	ProcessID  int    `cbor:"1,keyasint,omitempty" json:"processId,omitempty" yaml:"process_id,omitempty"`
	DocumentID string `cbor:"2,keyasint,omitempty" json:"documentId,omitempty" yaml:"document_id,omitempty"`
	FrameID    int    `cbor:"3,keyasint,omitempty" json:"frameId,omitempty" yaml:"frame_id,omitempty"`
	Origin     string `cbor:"4,keyasint,omitempty" json:"origin,omitempty" yaml:"origin,omitempty"`
	URL        string `cbor:"5,keyasint,omitempty" json:"url,omitempty" yaml:"url,omitempty"`
}

// IsZero reports whether no identity information is present.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

func (id Identity) String() string {
	return fmt.Sprintf("%s (process=%d document=%s frame=%d)", id.Origin, id.ProcessID, id.DocumentID, id.FrameID)
}
