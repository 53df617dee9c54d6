package protocol

import (
	"encoding/json"
	"mime"
	"reflect"
	"strings"

	cbor "github.com/fxamacker/cbor/v2"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// Codec 把信封（或信封切片）编解码成某种线上格式
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                { return ContentTypeJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR 返回确定性 CBOR 编码（canonical），map 统一解成 map[string]any 以便和 JSON 互转
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cborDecOptions().DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string                { return ContentTypeCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

func cborDecOptions() cbor.DecOptions {
	return cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}
}

// Registry 按 Content-Type 查找编解码器
type Registry struct{ byType map[string]Codec }

// NewRegistry 预置 JSON 和 CBOR
func NewRegistry() (*Registry, error) {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	c, err := CBOR()
	if err != nil {
		return nil, err
	}
	r.Register(c)
	return r, nil
}

func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get 忽略参数部分（如 charset）；未知类型返回 nil
func (r *Registry) Get(contentType string) Codec {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.ToLower(contentType))
	}
	return r.byType[mt]
}

// Negotiate 找不到时退回 JSON
func (r *Registry) Negotiate(contentType string) Codec {
	if c := r.Get(contentType); c != nil {
		return c
	}
	return r.byType[ContentTypeJSON]
}
