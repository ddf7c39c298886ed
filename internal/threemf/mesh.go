package threemf

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Vec3 is a point or direction in model space, millimeters.
type Vec3 struct {
	X, Y, Z float64
}

// Triangle is one mesh facet with transformed vertices.
type Triangle [3]Vec3

// matrix4 is a row-major 4x4 affine transform.
type matrix4 [4][4]float64

var identity = matrix4{
	{1, 0, 0, 0},
	{0, 1, 0, 0},
	{0, 0, 1, 0},
	{0, 0, 0, 1},
}

// parseTransform parses a 3MF transform attribute: twelve floats in
// column-major order (m00 m01 m02 m10 ... m30 m31 m32). Anything
// malformed falls back to identity.
func parseTransform(value string) matrix4 {
	parts := fields(value)
	if len(parts) != 12 {
		return identity
	}
	n := make([]float64, 12)
	for i, p := range parts {
		n[i] = safeFloat(p, 0)
	}
	return matrix4{
		{n[0], n[3], n[6], n[9]},
		{n[1], n[4], n[7], n[10]},
		{n[2], n[5], n[8], n[11]},
		{0, 0, 0, 1},
	}
}

func (m matrix4) apply(p Vec3) Vec3 {
	return Vec3{
		X: m[0][0]*p.X + m[0][1]*p.Y + m[0][2]*p.Z + m[0][3],
		Y: m[1][0]*p.X + m[1][1]*p.Y + m[1][2]*p.Z + m[1][3],
		Z: m[2][0]*p.X + m[2][1]*p.Y + m[2][2]*p.Z + m[2][3],
	}
}

func (m matrix4) applyTriangle(t Triangle) Triangle {
	return Triangle{m.apply(t[0]), m.apply(t[1]), m.apply(t[2])}
}

func sub(a, b Vec3) Vec3 {
	return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z}
}

func cross(a, b Vec3) Vec3 {
	return Vec3{
		X: a.Y*b.Z - a.Z*b.Y,
		Y: a.Z*b.X - a.X*b.Z,
		Z: a.X*b.Y - a.Y*b.X,
	}
}

func normalize(v Vec3) Vec3 {
	mag := math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
	if mag <= 0 {
		return Vec3{}
	}
	return Vec3{v.X / mag, v.Y / mag, v.Z / mag}
}

// Dimensions is the axis-aligned bounding box size of a plate, mm.
type Dimensions struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (d Dimensions) IsZero() bool {
	return d == Dimensions{}
}

func triangleDimensions(tris []Triangle) Dimensions {
	if len(tris) == 0 {
		return Dimensions{}
	}
	minV := Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
	maxV := Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, t := range tris {
		for _, p := range t {
			minV.X = math.Min(minV.X, p.X)
			minV.Y = math.Min(minV.Y, p.Y)
			minV.Z = math.Min(minV.Z, p.Z)
			maxV.X = math.Max(maxV.X, p.X)
			maxV.Y = math.Max(maxV.Y, p.Y)
			maxV.Z = math.Max(maxV.Z, p.Z)
		}
	}
	return Dimensions{
		X: round2(maxV.X - minV.X),
		Y: round2(maxV.Y - minV.Y),
		Z: round2(maxV.Z - minV.Z),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// binarySTL serializes triangles as a binary STL blob so the plate can
// be fed straight into an STL viewer pipeline.
func binarySTL(tris []Triangle, header string) []byte {
	h := make([]byte, 80)
	copy(h, header)

	var buf bytes.Buffer
	buf.Grow(84 + 50*len(tris))
	buf.Write(h)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(tris)))
	buf.Write(u32[:])

	var f32 [4]byte
	writeF := func(v float64) {
		binary.LittleEndian.PutUint32(f32[:], math.Float32bits(float32(v)))
		buf.Write(f32[:])
	}
	for _, t := range tris {
		n := normalize(cross(sub(t[1], t[0]), sub(t[2], t[0])))
		writeF(n.X)
		writeF(n.Y)
		writeF(n.Z)
		for _, p := range t {
			writeF(p.X)
			writeF(p.Y)
			writeF(p.Z)
		}
		buf.Write([]byte{0, 0}) // attribute byte count
	}
	return buf.Bytes()
}
