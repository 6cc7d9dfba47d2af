package serde

import "fmt"

// Chained composes two Serdes sharing an intermediate representation Mid.
//
// The durable Event Stores use it to map the Events of a Stream onto
// their StoredEvent model first, and the StoredEvent model onto JSON then.
type Chained[Src any, Mid any, Dst any] struct {
	inner Serde[Src, Mid]
	outer Serde[Mid, Dst]
}

// Serialize runs the inner Serde and then the outer one.
func (c Chained[Src, Mid, Dst]) Serialize(src Src) (Dst, error) {
	var dst Dst

	mid, err := c.inner.Serialize(src)
	if err != nil {
		return dst, fmt.Errorf("serde.Chained: inner serialization failed, %w", err)
	}

	if dst, err = c.outer.Serialize(mid); err != nil {
		return dst, fmt.Errorf("serde.Chained: outer serialization failed, %w", err)
	}

	return dst, nil
}

// Deserialize runs the outer Serde and then the inner one.
func (c Chained[Src, Mid, Dst]) Deserialize(dst Dst) (Src, error) {
	var src Src

	mid, err := c.outer.Deserialize(dst)
	if err != nil {
		return src, fmt.Errorf("serde.Chained: outer deserialization failed, %w", err)
	}

	if src, err = c.inner.Deserialize(mid); err != nil {
		return src, fmt.Errorf("serde.Chained: inner deserialization failed, %w", err)
	}

	return src, nil
}

// Chain returns the Chained Serde going from Src to Dst through Mid.
func Chain[Src any, Mid any, Dst any](inner Serde[Src, Mid], outer Serde[Mid, Dst]) Chained[Src, Mid, Dst] {
	return Chained[Src, Mid, Dst]{inner: inner, outer: outer}
}
