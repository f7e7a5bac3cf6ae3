// Package crypto implements the LoRaWAN 1.0.x cipher operations used by the
// MAC engine: payload encryption, frame MICs, join-accept handling and
// session key derivation.
package crypto

import (
	"crypto/aes"
	"encoding/binary"

	"github.com/jacobsa/crypto/cmac"
	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

const blockSize = 16

// Direction of a frame as encoded in the crypto blocks.
const (
	DirUplink   uint8 = 0
	DirDownlink uint8 = 1
)

// EncryptPayload applies the LoRaWAN payload keystream to buf in place. The
// same operation encrypts and decrypts. devAddr is the 32-bit device address
// as used on the wire (little-endian in the block).
func EncryptPayload(buf []byte, key lorawan.AES128Key, devAddr uint32, dir uint8, fCnt uint32) error {
	if len(buf) == 0 {
		return nil
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return errors.Wrap(err, "new cipher error")
	}

	var a [blockSize]byte
	var s [blockSize]byte
	a[0] = 0x01
	a[5] = dir
	binary.LittleEndian.PutUint32(a[6:10], devAddr)
	binary.LittleEndian.PutUint32(a[10:14], fCnt)

	for i := 0; i < len(buf); i += blockSize {
		a[15] = byte(i/blockSize + 1)
		block.Encrypt(s[:], a[:])

		n := len(buf) - i
		if n > blockSize {
			n = blockSize
		}
		for j := 0; j < n; j++ {
			buf[i+j] ^= s[j]
		}
	}

	return nil
}

// ComputeMIC returns the 4-byte MIC of a data frame (MHDR..FRMPayload,
// without the MIC field itself).
func ComputeMIC(frame []byte, key lorawan.AES128Key, devAddr uint32, dir uint8, fCnt uint32) ([4]byte, error) {
	var mic [4]byte

	var b0 [blockSize]byte
	b0[0] = 0x49
	b0[5] = dir
	binary.LittleEndian.PutUint32(b0[6:10], devAddr)
	binary.LittleEndian.PutUint32(b0[10:14], fCnt)
	b0[15] = byte(len(frame))

	mac, err := cmac.New(key[:])
	if err != nil {
		return mic, errors.Wrap(err, "new cmac error")
	}
	if _, err := mac.Write(b0[:]); err != nil {
		return mic, errors.Wrap(err, "cmac write error")
	}
	if _, err := mac.Write(frame); err != nil {
		return mic, errors.Wrap(err, "cmac write error")
	}

	copy(mic[:], mac.Sum(nil))
	return mic, nil
}

// ComputeJoinMIC returns the 4-byte MIC of a join-request or decrypted
// join-accept frame (MHDR included, MIC excluded).
func ComputeJoinMIC(frame []byte, key lorawan.AES128Key) ([4]byte, error) {
	var mic [4]byte

	mac, err := cmac.New(key[:])
	if err != nil {
		return mic, errors.Wrap(err, "new cmac error")
	}
	if _, err := mac.Write(frame); err != nil {
		return mic, errors.Wrap(err, "cmac write error")
	}

	copy(mic[:], mac.Sum(nil))
	return mic, nil
}

// DecryptJoinAccept decrypts a join-accept ciphertext in place. The network
// encrypts with an AES decrypt operation, so the device decrypts by
// encrypting. Length must be a whole number of blocks.
func DecryptJoinAccept(buf []byte, key lorawan.AES128Key) error {
	if len(buf) == 0 || len(buf)%blockSize != 0 {
		return errors.Errorf("join-accept ciphertext length %d is not block aligned", len(buf))
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return errors.Wrap(err, "new cipher error")
	}

	for i := 0; i < len(buf); i += blockSize {
		block.Encrypt(buf[i:i+blockSize], buf[i:i+blockSize])
	}

	return nil
}

// DeriveSessionKeys derives NwkSKey and AppSKey from a join exchange.
// appNonce holds AppNonce|NetID as received on the wire (6 bytes,
// little-endian fields), devNonce is the value sent in the join request.
func DeriveSessionKeys(appKey lorawan.AES128Key, appNonce [6]byte, devNonce uint16) (nwkSKey, appSKey lorawan.AES128Key, err error) {
	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return nwkSKey, appSKey, errors.Wrap(err, "new cipher error")
	}

	var msg [blockSize]byte
	copy(msg[1:7], appNonce[:])
	binary.LittleEndian.PutUint16(msg[7:9], devNonce)

	msg[0] = 0x01
	block.Encrypt(nwkSKey[:], msg[:])

	msg[0] = 0x02
	block.Encrypt(appSKey[:], msg[:])

	return nwkSKey, appSKey, nil
}
