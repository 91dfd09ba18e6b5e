package notify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-signup/internal/models"
	"ms-signup/internal/notify"
)

func passReservation(id string) models.Reservation {
	return models.Reservation{
		ReservationID: id,
		UserID:        "user-1",
		ChildID:       "child-1",
		SessionID:     "session-1",
		Status:        models.ReservationConfirmed,
	}
}

func TestConfirmationPassGenerated(t *testing.T) {
	gen := notify.NewPassGenerator("test-pass-secret")

	png, err := gen.GenerateConfirmationPass(passReservation("res-1"), "CB-1001")
	require.NoError(t, err)
	assert.NotEmpty(t, png, "confirmation pass PNG must not be empty")
}

func TestDifferentReservationsGetDifferentPasses(t *testing.T) {
	gen := notify.NewPassGenerator("test-pass-secret")

	png1, err := gen.GenerateConfirmationPass(passReservation("res-1"), "CB-1001")
	require.NoError(t, err)
	png2, err := gen.GenerateConfirmationPass(passReservation("res-2"), "CB-1002")
	require.NoError(t, err)

	assert.NotEqual(t, png1, png2)
}

func TestRandomIVMakesRepeatPassesDiffer(t *testing.T) {
	gen := notify.NewPassGenerator("test-pass-secret")

	png1, err := gen.GenerateConfirmationPass(passReservation("res-1"), "CB-1001")
	require.NoError(t, err)
	png2, err := gen.GenerateConfirmationPass(passReservation("res-1"), "CB-1001")
	require.NoError(t, err)

	assert.NotEqual(t, png1, png2, "encryption IV is random, repeat passes must differ")
}

func TestSecretChangesPass(t *testing.T) {
	png1, err := notify.NewPassGenerator("secret-a").GenerateConfirmationPass(passReservation("res-1"), "CB-1001")
	require.NoError(t, err)
	png2, err := notify.NewPassGenerator("secret-b").GenerateConfirmationPass(passReservation("res-1"), "CB-1001")
	require.NoError(t, err)

	assert.NotEqual(t, png1, png2)
}
