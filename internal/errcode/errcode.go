// Package errcode defines the node's error taxonomy and the fixed-width integer
// codes exposed to applications. Code values are bit-compatible with existing
// deployments and must never be renumbered.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a 32-bit error code: 0x80000000 | facility<<24 | code.
type Code uint32

// Facility groups codes by the subsystem that raised them.
type Facility uint8

const (
	FacilityGeneral Facility = 1
	FacilitySys     Facility = 2
	FacilityICE     Facility = 5
	FacilityDHT     Facility = 6
)

// Make builds a code from a facility and a facility-local value.
func Make(facility Facility, code uint8) Code {
	return Code(0x80000000 | uint32(facility)<<24 | uint32(code))
}

// Facility returns the facility part of c.
func (c Code) Facility() Facility { return Facility((uint32(c) >> 24) & 0x7F) }

// Value returns the facility-local part of c.
func (c Code) Value() uint8 { return uint8(c) }

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return fmt.Sprintf("%s(0x%08X)", name, uint32(c))
	}
	return fmt.Sprintf("0x%08X", uint32(c))
}

// General facility codes.
var (
	InvalidArgs             = Make(FacilityGeneral, 0x01)
	OutOfMemory             = Make(FacilityGeneral, 0x02)
	BufferTooSmall          = Make(FacilityGeneral, 0x03)
	BadPersistentData       = Make(FacilityGeneral, 0x04)
	InvalidPersistenceFile  = Make(FacilityGeneral, 0x05)
	InvalidControlPacket    = Make(FacilityGeneral, 0x06)
	InvalidCredential       = Make(FacilityGeneral, 0x07)
	AlreadyRun              = Make(FacilityGeneral, 0x08)
	NotReady                = Make(FacilityGeneral, 0x09)
	NotExist                = Make(FacilityGeneral, 0x0A)
	AlreadyExist            = Make(FacilityGeneral, 0x0B)
	NoMatchedRequest        = Make(FacilityGeneral, 0x0C)
	InvalidUserID           = Make(FacilityGeneral, 0x0D)
	InvalidNodeID           = Make(FacilityGeneral, 0x0E)
	WrongState              = Make(FacilityGeneral, 0x0F)
	Busy                    = Make(FacilityGeneral, 0x10)
	LanguageBinding         = Make(FacilityGeneral, 0x11)
	Encrypt                 = Make(FacilityGeneral, 0x12)
	SDPTooLong              = Make(FacilityGeneral, 0x13)
	InvalidSDP              = Make(FacilityGeneral, 0x14)
	NotImplemented          = Make(FacilityGeneral, 0x15)
	LimitExceeded           = Make(FacilityGeneral, 0x16)
	PortAlloc               = Make(FacilityGeneral, 0x17)
	BadProxyType            = Make(FacilityGeneral, 0x18)
	BadProxyHost            = Make(FacilityGeneral, 0x19)
	BadProxyPort            = Make(FacilityGeneral, 0x1A)
	ProxyNotAvailable       = Make(FacilityGeneral, 0x1B)
	EncryptedPersistentData = Make(FacilityGeneral, 0x1C)
	BadBootstrapHost        = Make(FacilityGeneral, 0x1D)
	BadBootstrapPort        = Make(FacilityGeneral, 0x1E)
	TooLong                 = Make(FacilityGeneral, 0x1F)
	AddSelf                 = Make(FacilityGeneral, 0x20)
	BadAddress              = Make(FacilityGeneral, 0x21)
	FriendOffline           = Make(FacilityGeneral, 0x22)
	Unknown                 = Make(FacilityGeneral, 0xFF)
)

var names = map[Code]string{
	InvalidArgs:             "INVALID_ARGS",
	OutOfMemory:             "OUT_OF_MEMORY",
	BufferTooSmall:          "BUFFER_TOO_SMALL",
	BadPersistentData:       "BAD_PERSISTENT_DATA",
	InvalidPersistenceFile:  "INVALID_PERSISTENCE_FILE",
	InvalidControlPacket:    "INVALID_CONTROL_PACKET",
	InvalidCredential:       "INVALID_CREDENTIAL",
	AlreadyRun:              "ALREADY_RUN",
	NotReady:                "NOT_READY",
	NotExist:                "NOT_EXIST",
	AlreadyExist:            "ALREADY_EXIST",
	NoMatchedRequest:        "NO_MATCHED_REQUEST",
	InvalidUserID:           "INVALID_USERID",
	InvalidNodeID:           "INVALID_NODEID",
	WrongState:              "WRONG_STATE",
	Busy:                    "BUSY",
	LanguageBinding:         "LANGUAGE_BINDING",
	Encrypt:                 "ENCRYPT",
	SDPTooLong:              "SDP_TOO_LONG",
	InvalidSDP:              "INVALID_SDP",
	NotImplemented:          "NOT_IMPLEMENTED",
	LimitExceeded:           "LIMIT_EXCEEDED",
	PortAlloc:               "PORT_ALLOC",
	BadProxyType:            "BAD_PROXY_TYPE",
	BadProxyHost:            "BAD_PROXY_HOST",
	BadProxyPort:            "BAD_PROXY_PORT",
	ProxyNotAvailable:       "PROXY_NOT_AVAILABLE",
	EncryptedPersistentData: "ENCRYPTED_PERSISTENT_DATA",
	BadBootstrapHost:        "BAD_BOOTSTRAP_HOST",
	BadBootstrapPort:        "BAD_BOOTSTRAP_PORT",
	TooLong:                 "TOO_LONG",
	AddSelf:                 "ADD_SELF",
	BadAddress:              "BAD_ADDRESS",
	FriendOffline:           "FRIEND_OFFLINE",
	Unknown:                 "UNKNOWN",
}

// ---------------------------------------------------------------------------
// Error kinds
// ---------------------------------------------------------------------------

// Class is the coarse taxonomy an error kind belongs to.
type Class int

const (
	ClassArgument Class = iota + 1
	ClassRelationship
	ClassTransportTransient
	ClassTransportFatal
	ClassTimeout
	ClassRemoteRejection
	ClassState
)

// Kind is a sentinel error. Kinds are compared with errors.Is.
type Kind struct {
	name  string
	class Class
	code  Code
}

func (k *Kind) Error() string { return k.name }

// Class reports the taxonomy class of k.
func (k *Kind) Class() Class { return k.class }

// Code reports the default code of k.
func (k *Kind) Code() Code { return k.code }

func newKind(name string, class Class, code Code) *Kind {
	return &Kind{name: name, class: class, code: code}
}

var (
	ErrInvalidArgs        = newKind("invalid arguments", ClassArgument, InvalidArgs)
	ErrTooLong            = newKind("value too long", ClassArgument, TooLong)
	ErrBadAddress         = newKind("bad address", ClassArgument, BadAddress)
	ErrNotFriend          = newKind("not a friend", ClassRelationship, NotExist)
	ErrAlreadyFriend      = newKind("already a friend", ClassRelationship, AlreadyExist)
	ErrSelfReference      = newKind("target is self", ClassRelationship, InvalidArgs)
	ErrNoSuchPeer         = newKind("no such peer", ClassRelationship, NotExist)
	ErrNoMatchedRequest   = newKind("no matched request", ClassRelationship, NoMatchedRequest)
	ErrFriendOffline      = newKind("friend offline", ClassRelationship, FriendOffline)
	ErrWouldBlock         = newKind("would block", ClassTransportTransient, Busy)
	ErrLinkLost           = newKind("link lost", ClassTransportFatal, WrongState)
	ErrTimeout            = newKind("timed out", ClassTimeout, Unknown)
	ErrNegotiationTimeout = newKind("negotiation timed out", ClassTimeout, Unknown)
	ErrRejected           = newKind("rejected by peer", ClassRemoteRejection, Unknown)
	ErrChannelRejected    = newKind("channel rejected by peer", ClassRemoteRejection, Unknown)
	ErrWrongState         = newKind("wrong state", ClassState, WrongState)
	ErrNotExist           = newKind("not exist", ClassState, NotExist)
	ErrAlreadyExist       = newKind("already exist", ClassState, AlreadyExist)
	ErrIncompatible       = newKind("incompatible session descriptor", ClassState, InvalidSDP)
	ErrNotReady           = newKind("not ready", ClassState, NotReady)
	ErrAlreadyRun         = newKind("already running", ClassState, AlreadyRun)
	ErrPortAlloc          = newKind("port allocation failed", ClassState, PortAlloc)
	ErrLimitExceeded      = newKind("limit exceeded", ClassState, LimitExceeded)
	ErrCanceled           = newKind("canceled", ClassState, Unknown)
	ErrBadPersistentData  = newKind("bad persistent data", ClassState, BadPersistentData)
)

// ---------------------------------------------------------------------------
// Error
// ---------------------------------------------------------------------------

// Error is a kind with a call-site specific code and message.
type Error struct {
	Kind *Kind
	Code Code
	Msg  string
	Err  error
}

// New returns an error of kind k carrying k's default code.
func New(k *Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Code: k.code, Msg: fmt.Sprintf(format, args...)}
}

// WithCode returns an error of kind k that reports code instead of k's default.
func WithCode(k *Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: k, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of kind k wrapping cause.
func Wrap(k *Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Code: k.code, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.name
	if e.Msg != "" {
		msg = e.Msg + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error's kind, so errors.Is(err, ErrNotFriend) works.
func (e *Error) Is(target error) bool {
	k, ok := target.(*Kind)
	return ok && k == e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

// Of maps any error to its integer code. nil maps to 0.
func Of(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var k *Kind
	if errors.As(err, &k) {
		return k.code
	}
	return Unknown
}

// ClassOf reports the taxonomy class of err, or 0 if it has none.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.class
	}
	var k *Kind
	if errors.As(err, &k) {
		return k.class
	}
	return 0
}

// Transient reports whether the caller should retry the operation.
func Transient(err error) bool {
	return ClassOf(err) == ClassTransportTransient
}
