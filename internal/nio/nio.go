// Package nio wraps the raw socket syscalls the engine needs: non-blocking
// stream sockets, address resolution, and the socket options the hot path
// depends on.
package nio

import (
	"fmt"
	"net"
	"strconv"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StreamSocket creates a non-blocking, close-on-exec TCP socket for the
// given domain (unix.AF_INET or unix.AF_INET6).
func StreamSocket(domain int) (int, error) {
	return unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
}

// ResolveTCPAddr parses "host:port" into a sockaddr and its domain.
func ResolveTCPAddr(addr string) (unix.Sockaddr, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, 0, fmt.Errorf("nio: bad port in %q", addr)
	}
	if host == "" {
		return &unix.SockaddrInet4{Port: port}, unix.AF_INET, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, 0, fmt.Errorf("nio: cannot resolve %q: %v", host, err)
		}
		ip = ips[0]
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

// SockaddrString renders a sockaddr back to "host:port".
func SockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return ""
	}
}

// RawSockaddr lays a sockaddr out in the kernel's wire form for syscalls
// that take a raw pointer (io_uring connect). The returned holder must be
// kept reachable until the kernel completes the operation.
func RawSockaddr(sa unix.Sockaddr) (holder any, ptr unsafe.Pointer, size uint32, err error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		raw := &unix.RawSockaddrInet4{Family: unix.AF_INET}
		p := (*[2]byte)(unsafe.Pointer(&raw.Port))
		p[0] = byte(a.Port >> 8)
		p[1] = byte(a.Port)
		raw.Addr = a.Addr
		return raw, unsafe.Pointer(raw), uint32(unsafe.Sizeof(*raw)), nil
	case *unix.SockaddrInet6:
		raw := &unix.RawSockaddrInet6{Family: unix.AF_INET6}
		p := (*[2]byte)(unsafe.Pointer(&raw.Port))
		p[0] = byte(a.Port >> 8)
		p[1] = byte(a.Port)
		raw.Addr = a.Addr
		raw.Scope_id = a.ZoneId
		return raw, unsafe.Pointer(raw), uint32(unsafe.Sizeof(*raw)), nil
	default:
		return nil, nil, 0, fmt.Errorf("nio: unsupported sockaddr %T", sa)
	}
}

// SetNoDelay toggles TCP_NODELAY.
func SetNoDelay(fd int, v bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(v))
}

// SetReuseAddr toggles SO_REUSEADDR.
func SetReuseAddr(fd int, v bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolInt(v))
}

// SocketError reads and clears SO_ERROR, the result of a non-blocking
// connect.
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return syscall.Errno(v)
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
