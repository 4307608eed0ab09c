package curve

import "testing"

func TestScalarAddSubRoundtrip(t *testing.T) {
	a, err := RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	b, err := RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	sum := a.Add(b)
	back := sum.Sub(b)
	if !back.Equal(a) {
		t.Fatalf("a+b-b != a")
	}
}

func TestBasePointMulMatchesRepeatedAdd(t *testing.T) {
	var three Scalar
	three.s.SetInt(3)
	viaMul := BasePointMul(three)

	g := BasePoint()
	viaAdd := g.Add(g).Add(g)

	if !viaMul.Equal(viaAdd) {
		t.Fatalf("3*G via scalar mult does not match G+G+G")
	}
}

func TestPointBytesRoundtrip(t *testing.T) {
	s, err := RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	p := BasePointMul(s)
	encoded := p.Bytes()
	decoded, err := PointFromBytes(encoded)
	if err != nil {
		t.Fatalf("PointFromBytes: %v", err)
	}
	if !p.Equal(decoded) {
		t.Fatalf("point did not round trip through Bytes/PointFromBytes")
	}
}

func TestHashToScalarDeterministic(t *testing.T) {
	a := HashToScalar("test-domain", []byte("hello"))
	b := HashToScalar("test-domain", []byte("hello"))
	if !a.Equal(b) {
		t.Fatalf("HashToScalar not deterministic for identical input")
	}
	c := HashToScalar("test-domain", []byte("world"))
	if a.Equal(c) {
		t.Fatalf("HashToScalar collided for different input")
	}
}

func TestHashToPointIsOnCurveDerivedConsistently(t *testing.T) {
	p1 := HashToPoint("key-image", []byte("pubkey-bytes"))
	p2 := HashToPoint("key-image", []byte("pubkey-bytes"))
	if !p1.Equal(p2) {
		t.Fatalf("HashToPoint not deterministic")
	}
}
