package codec

type rawCodec struct{}

// Raw passes byte payloads through untouched. Used for file transfers,
// where the payload already is the serialized form.
func Raw() Codec[[]byte] { return rawCodec{} }

func (rawCodec) Encode(v []byte) ([]byte, error) { return v, nil }

func (rawCodec) Decode(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
