package notify

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"time"

	"github.com/skip2/go-qrcode"

	"ms-signup/internal/models"
)

// PassGenerator produces the encrypted QR confirmation pass parents present
// at camp check-in.
type PassGenerator struct {
	secret []byte
}

func NewPassGenerator(secret string) *PassGenerator {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &PassGenerator{secret: hashed[:]}
}

type confirmationPass struct {
	ReservationID   string    `json:"reservation_id"`
	ChildID         string    `json:"child_id"`
	SessionID       string    `json:"session_id"`
	ConfirmationRef string    `json:"confirmation_ref"`
	IssuedAt        time.Time `json:"issued_at"`
}

func (g *PassGenerator) GenerateConfirmationPass(reservation models.Reservation, confirmationRef string) ([]byte, error) {
	pass := confirmationPass{
		ReservationID:   reservation.ReservationID,
		ChildID:         reservation.ChildID,
		SessionID:       reservation.SessionID,
		ConfirmationRef: confirmationRef,
		IssuedAt:        time.Now().UTC(),
	}

	data, err := json.Marshal(pass)
	if err != nil {
		return nil, err
	}

	encrypted, err := encryptAES(data, g.secret)
	if err != nil {
		return nil, err
	}

	return qrcode.Encode(encrypted, qrcode.Medium, 256)
}

func encryptAES(data []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(data))
	iv := ciphertext[:aes.BlockSize]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], data)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}
