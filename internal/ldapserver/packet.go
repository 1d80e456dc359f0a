package ldapserver

import (
	"bufio"
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	ldap "github.com/lor00x/goldap/message"
)

type messagePacket struct {
	bytes []byte
}

// readMessagePacket reads one BER envelope off the wire. The packet is kept
// as raw bytes so goldap can decode the whole LDAPMessage in one pass.
func readMessagePacket(br *bufio.Reader) (*messagePacket, error) {
	p, err := ber.ReadPacket(br)
	if err != nil {
		return nil, err
	}
	return &messagePacket{bytes: p.Bytes()}, nil
}

func (msg *messagePacket) readMessage() (m ldap.LDAPMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid packet received hex=%x, %#v", msg.bytes, r)
		}
	}()
	return decodeMessage(msg.bytes)
}

func decodeMessage(bytes []byte) (ret ldap.LDAPMessage, err error) {
	zero := 0
	ret, err = ldap.ReadLDAPMessage(ldap.NewBytes(zero, bytes))
	return
}
