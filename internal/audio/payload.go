package audio

// Payload is a finished recording ready for transcription.
type Payload struct {
	Data     []byte
	MimeType string
	Filename string
}

func (p Payload) Empty() bool { return len(p.Data) == 0 }
