// Package wire implements the deterministic binary codec used for every
// persisted value and the checkpoint header (RPC payloads are JSON, see
// pkg/rpcmux): packed-uint length prefixes, versioned headers, and the
// container/sum-type encodings built on top of them. Grounded on the
// source's hand-rolled DataFormat contract: equal values serialize to equal
// byte strings, and every persisted value and checkpoint header carries a
// version byte that readers validate before decoding the body.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Writer accumulates an encoded byte stream. Every Put* method returns the
// number of bytes written so callers can report sizes without a second pass.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (w *Writer) write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("wire: write: %w", err)
	}
	return n, nil
}

// PutUint8 writes a single byte.
func (w *Writer) PutUint8(v uint8) (int, error) {
	return w.write([]byte{v})
}

// PutUint16 writes a little-endian fixed-width u16.
func (w *Writer) PutUint16(v uint16) (int, error) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return w.write(buf[:])
}

// PutUint32 writes a little-endian fixed-width u32.
func (w *Writer) PutUint32(v uint32) (int, error) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return w.write(buf[:])
}

// PutUint64 writes a little-endian fixed-width u64.
func (w *Writer) PutUint64(v uint64) (int, error) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return w.write(buf[:])
}

// PutInt64 writes a little-endian fixed-width i64.
func (w *Writer) PutInt64(v int64) (int, error) {
	return w.PutUint64(uint64(v))
}

// PutBool writes a single tag byte, 0 or 1.
func (w *Writer) PutBool(v bool) (int, error) {
	if v {
		return w.PutUint8(1)
	}
	return w.PutUint8(0)
}

// PutPackedUint writes the "packed unsigned" length encoding: one leading
// byte n (0..=8) giving the count of significant little-endian bytes that
// follow. u=0 encodes as the single byte 0 with no trailing bytes.
func (w *Writer) PutPackedUint(u uint64) (int, error) {
	if u == 0 {
		return w.PutUint8(0)
	}
	var full [8]byte
	binary.LittleEndian.PutUint64(full[:], u)
	n := 8
	for n > 1 && full[n-1] == 0 {
		n--
	}
	total, err := w.PutUint8(uint8(n))
	if err != nil {
		return total, err
	}
	m, err := w.write(full[:n])
	return total + m, err
}

// PutRaw writes b with no length prefix; used for fixed-size fields like
// checkpoint hashes where the layout is defined by position, not framing.
func (w *Writer) PutRaw(b []byte) (int, error) {
	return w.write(b)
}

// PutBytes writes a packed-uint length followed by the raw bytes.
func (w *Writer) PutBytes(b []byte) (int, error) {
	n, err := w.PutPackedUint(uint64(len(b)))
	if err != nil {
		return n, err
	}
	m, err := w.write(b)
	return n + m, err
}

// PutString writes a packed-uint length followed by UTF-8 bytes.
func (w *Writer) PutString(s string) (int, error) {
	return w.PutBytes([]byte(s))
}

// PutOption writes the presence tag followed by put(v) iff present.
func PutOption[T any](w *Writer, v *T, put func(*Writer, T) (int, error)) (int, error) {
	if v == nil {
		return w.PutUint8(0)
	}
	n, err := w.PutUint8(1)
	if err != nil {
		return n, err
	}
	m, err := put(w, *v)
	return n + m, err
}

// PutSlice writes a packed-uint length followed by each element via put.
// Used for both Vec<T> and HashSet<T> (sets serialize in their given order;
// callers that need the deterministic-output invariant for sets must sort
// before calling).
func PutSlice[T any](w *Writer, items []T, put func(*Writer, T) (int, error)) (int, error) {
	n, err := w.PutPackedUint(uint64(len(items)))
	if err != nil {
		return n, err
	}
	for _, item := range items {
		m, err := put(w, item)
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// PutMap writes a packed-uint length followed by interleaved key/value pairs.
func PutMap[K comparable, V any](w *Writer, m map[K]V, putKey func(*Writer, K) (int, error), putVal func(*Writer, V) (int, error)) (int, error) {
	n, err := w.PutPackedUint(uint64(len(m)))
	if err != nil {
		return n, err
	}
	for k, v := range m {
		a, err := putKey(w, k)
		n += a
		if err != nil {
			return n, err
		}
		b, err := putVal(w, v)
		n += b
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// PutIP writes a tag byte (4 for IPv4, 16 for IPv6) followed by the octets.
func (w *Writer) PutIP(ip net.IP) (int, error) {
	if v4 := ip.To4(); v4 != nil {
		n, err := w.PutUint8(4)
		if err != nil {
			return n, err
		}
		m, err := w.write(v4)
		return n + m, err
	}
	v6 := ip.To16()
	if v6 == nil {
		return 0, fmt.Errorf("wire: invalid IP address %v", ip)
	}
	n, err := w.PutUint8(16)
	if err != nil {
		return n, err
	}
	m, err := w.write(v6)
	return n + m, err
}

// PutSocketAddr writes an IP tag+octets followed by a fixed-width u16 port.
func (w *Writer) PutSocketAddr(addr *net.TCPAddr) (int, error) {
	n, err := w.PutIP(addr.IP)
	if err != nil {
		return n, err
	}
	m, err := w.PutUint16(uint16(addr.Port))
	return n + m, err
}

// Reader consumes an encoded byte stream produced by Writer.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

func (r *Reader) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, fmt.Errorf("wire: read: %w", err)
	}
	return buf, nil
}

func (r *Reader) GetUint8() (uint8, error) {
	buf, err := r.readFull(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (r *Reader) GetUint16() (uint16, error) {
	buf, err := r.readFull(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (r *Reader) GetUint32() (uint32, error) {
	buf, err := r.readFull(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (r *Reader) GetUint64() (uint64, error) {
	buf, err := r.readFull(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (r *Reader) GetInt64() (int64, error) {
	v, err := r.GetUint64()
	return int64(v), err
}

func (r *Reader) GetBool() (bool, error) {
	v, err := r.GetUint8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("wire: invalid bool tag %d", v)
	}
}

// GetPackedUint reads the packed unsigned length encoding written by
// PutPackedUint.
func (r *Reader) GetPackedUint() (uint64, error) {
	n, err := r.GetUint8()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if n > 8 {
		return 0, fmt.Errorf("wire: invalid packed uint byte count %d", n)
	}
	buf, err := r.readFull(int(n))
	if err != nil {
		return 0, err
	}
	var full [8]byte
	copy(full[:], buf)
	return binary.LittleEndian.Uint64(full[:]), nil
}

// GetRaw reads exactly n unframed bytes.
func (r *Reader) GetRaw(n int) ([]byte, error) {
	return r.readFull(n)
}

func (r *Reader) GetBytes() ([]byte, error) {
	n, err := r.GetPackedUint()
	if err != nil {
		return nil, err
	}
	return r.readFull(int(n))
}

func (r *Reader) GetString() (string, error) {
	b, err := r.GetBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetOption reads the presence tag and, if present, the payload.
func GetOption[T any](r *Reader, get func(*Reader) (T, error)) (*T, error) {
	tag, err := r.GetUint8()
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	if tag != 1 {
		return nil, fmt.Errorf("wire: invalid option tag %d", tag)
	}
	v, err := get(r)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetSlice reads a packed-uint length followed by that many elements; a
// zero length yields a nil slice, matching an unset field before encoding.
func GetSlice[T any](r *Reader, get func(*Reader) (T, error)) ([]T, error) {
	n, err := r.GetPackedUint()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]T, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := get(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// GetMap reads a packed-uint length followed by that many interleaved
// key/value pairs.
func GetMap[K comparable, V any](r *Reader, getKey func(*Reader) (K, error), getVal func(*Reader) (V, error)) (map[K]V, error) {
	n, err := r.GetPackedUint()
	if err != nil {
		return nil, err
	}
	out := make(map[K]V, n)
	for i := uint64(0); i < n; i++ {
		k, err := getKey(r)
		if err != nil {
			return nil, err
		}
		v, err := getVal(r)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (r *Reader) GetIP() (net.IP, error) {
	tag, err := r.GetUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 4:
		buf, err := r.readFull(4)
		if err != nil {
			return nil, err
		}
		return net.IP(buf), nil
	case 16:
		buf, err := r.readFull(16)
		if err != nil {
			return nil, err
		}
		return net.IP(buf), nil
	default:
		return nil, fmt.Errorf("wire: invalid IP tag %d", tag)
	}
}

func (r *Reader) GetSocketAddr() (*net.TCPAddr, error) {
	ip, err := r.GetIP()
	if err != nil {
		return nil, err
	}
	port, err := r.GetUint16()
	if err != nil {
		return nil, err
	}
	return &net.TCPAddr{IP: ip, Port: int(port)}, nil
}

// UnsupportedHeaderError reports a version mismatch between the header a
// reader expects (LATEST_HEADER) and the header actually present in the
// stream. Every typed reader must check this before decoding the body.
type UnsupportedHeaderError struct {
	Type     string
	Expected any
	Got      any
}

func (e *UnsupportedHeaderError) Error() string {
	return fmt.Sprintf("wire: %s: unsupported header (expected %v, got %v)", e.Type, e.Expected, e.Got)
}

// CheckHeader compares a decoded header against the latest known header for
// typeName and returns an *UnsupportedHeaderError on mismatch.
func CheckHeader(typeName string, got, latest uint8) error {
	if got != latest {
		return &UnsupportedHeaderError{Type: typeName, Expected: latest, Got: got}
	}
	return nil
}
