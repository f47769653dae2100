// Package sockapi implements socket address structures and an
// in-process stream-socket object (spec §4.I's socket capability set,
// exercised end to end by spec §8 scenario 6).
//
// Grounded on the original implementation's syscalls/socket/mod.rs
// (sockaddr/sockaddr_in/sockaddr_in6/sockaddr_vm, the Af enum, and the
// bind/connect dispatch that switches on sa_family before casting the
// raw bytes) and spec §6's own family list and byte-order rule. This
// kernel carries no network stack above the driver boundary (spec §1
// non-goal), so Inet/Inet6 addresses are modeled and wire-encoded but
// never routed anywhere beyond the in-process loopback StreamSocket.
// Inet, Inet6 and Vsock endpoints bind and connect there by family and
// port; Unspec is rejected with Eafnosupport.
package sockapi

import (
	"encoding/binary"

	"github.com/nimbusos/corekernel/errs"
)

// Family is a socket address family (spec §6: "Families Unspec=0,
// Inet6=1, Vsock=2, Inet=3").
type Family uint8

const (
	Unspec Family = 0
	Inet6  Family = 1
	Vsock  Family = 2
	Inet   Family = 3
)

// sockaddrInSize is sizeof(sockaddr_in): len, family, port, 4-byte
// address, 8 bytes of padding, matching the Berkeley layout.
const sockaddrInSize = 1 + 1 + 2 + 4 + 8

// SockaddrIn is an IPv4 socket address. Port is host-order in this
// struct; Marshal encodes it network-order per spec §6.
type SockaddrIn struct {
	Port uint16
	Addr [4]byte
}

func (a SockaddrIn) Marshal() []byte {
	b := make([]byte, sockaddrInSize)
	b[0] = sockaddrInSize
	b[1] = byte(Inet)
	binary.BigEndian.PutUint16(b[2:], a.Port)
	copy(b[4:8], a.Addr[:])
	return b
}

func UnmarshalSockaddrIn(b []byte) (SockaddrIn, errs.Err_t) {
	if len(b) < sockaddrInSize || Family(b[1]) != Inet {
		return SockaddrIn{}, errs.Einval
	}
	var a SockaddrIn
	a.Port = binary.BigEndian.Uint16(b[2:])
	copy(a.Addr[:], b[4:8])
	return a, 0
}

// sockaddrIn6Size is sizeof(sockaddr_in6): len, family, port, flowinfo,
// 16-byte address, scope id.
const sockaddrIn6Size = 1 + 1 + 2 + 4 + 16 + 4

// SockaddrIn6 is an IPv6 socket address.
type SockaddrIn6 struct {
	Port     uint16
	FlowInfo uint32
	Addr     [16]byte
	ScopeID  uint32
}

func (a SockaddrIn6) Marshal() []byte {
	b := make([]byte, sockaddrIn6Size)
	b[0] = sockaddrIn6Size
	b[1] = byte(Inet6)
	binary.BigEndian.PutUint16(b[2:], a.Port)
	binary.LittleEndian.PutUint32(b[4:], a.FlowInfo)
	copy(b[8:24], a.Addr[:])
	binary.LittleEndian.PutUint32(b[24:], a.ScopeID)
	return b
}

func UnmarshalSockaddrIn6(b []byte) (SockaddrIn6, errs.Err_t) {
	if len(b) < sockaddrIn6Size || Family(b[1]) != Inet6 {
		return SockaddrIn6{}, errs.Einval
	}
	var a SockaddrIn6
	a.Port = binary.BigEndian.Uint16(b[2:])
	a.FlowInfo = binary.LittleEndian.Uint32(b[4:])
	copy(a.Addr[:], b[8:24])
	a.ScopeID = binary.LittleEndian.Uint32(b[24:])
	return a, 0
}

// sockaddrVsockSize is sizeof(sockaddr_vm): len, family, reserved,
// port, cid, 4 bytes of padding.
const sockaddrVsockSize = 1 + 1 + 2 + 4 + 4 + 4

// CidAny matches every CID, the Vsock analogue of INADDR_ANY.
const CidAny uint32 = 0xffffffff

// SockaddrVsock is a vsock address. Port and Cid are host-order on the
// wire per spec §6 ("host byte order for Vsock"): this kernel only
// targets little-endian architectures (x86-64, AArch64, RISC-V 64), so
// host order is encoding/binary.LittleEndian.
type SockaddrVsock struct {
	Port uint32
	Cid  uint32
}

func (a SockaddrVsock) Marshal() []byte {
	b := make([]byte, sockaddrVsockSize)
	b[0] = sockaddrVsockSize
	b[1] = byte(Vsock)
	binary.LittleEndian.PutUint32(b[4:], a.Port)
	binary.LittleEndian.PutUint32(b[8:], a.Cid)
	return b
}

func UnmarshalSockaddrVsock(b []byte) (SockaddrVsock, errs.Err_t) {
	if len(b) < sockaddrVsockSize || Family(b[1]) != Vsock {
		return SockaddrVsock{}, errs.Einval
	}
	var a SockaddrVsock
	a.Port = binary.LittleEndian.Uint32(b[4:])
	a.Cid = binary.LittleEndian.Uint32(b[8:])
	return a, 0
}

// FamilyOf reports the address family encoded in a raw sockaddr.
func FamilyOf(sa []byte) (Family, errs.Err_t) {
	if len(sa) < 2 {
		return Unspec, errs.Einval
	}
	return Family(sa[1]), 0
}

// endpointKey identifies a bindable address within this kernel's single
// in-process loopback namespace: family plus port, ignoring the
// specific IP/CID (no real routing exists to distinguish them).
type endpointKey struct {
	family Family
	port   uint32
}

func keyOf(sa []byte) (endpointKey, errs.Err_t) {
	fam, err := FamilyOf(sa)
	if err != 0 {
		return endpointKey{}, err
	}
	switch fam {
	case Inet:
		a, err := UnmarshalSockaddrIn(sa)
		if err != 0 {
			return endpointKey{}, err
		}
		return endpointKey{family: fam, port: uint32(a.Port)}, 0
	case Inet6:
		a, err := UnmarshalSockaddrIn6(sa)
		if err != 0 {
			return endpointKey{}, err
		}
		return endpointKey{family: fam, port: uint32(a.Port)}, 0
	case Vsock:
		a, err := UnmarshalSockaddrVsock(sa)
		if err != 0 {
			return endpointKey{}, err
		}
		return endpointKey{family: fam, port: a.Port}, 0
	default:
		return endpointKey{}, errs.Eafnosupport
	}
}
