package onion

import "fmt"

// NotFoundError is returned when no service is cached for a virtual port.
type NotFoundError struct {
	VirtPort int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no hidden service cached for virtual port %d", e.VirtPort)
}

// PortError rejects a port outside 1..65535.
type PortError struct {
	Name string
	Port int
}

func (e *PortError) Error() string {
	return fmt.Sprintf("%s port %d out of range", e.Name, e.Port)
}

// KeyError rejects a private key that cannot be sent on a command line.
type KeyError struct {
	Reason string
}

func (e *KeyError) Error() string { return "invalid private key: " + e.Reason }
