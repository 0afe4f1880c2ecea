package auth

import (
	"crypto/subtle"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/bcrypt"

	"ipgate/internal/support"
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares the login against ADMIN_USERNAME and the bcrypt hash
// in ADMIN_PASSWORD_HASH. Login is refused while no hash is configured.
func CheckPassword(username, password string) bool {
	hash := support.GetEnv("ADMIN_PASSWORD_HASH", "")
	if hash == "" {
		log.Warn("Admin login refused: ADMIN_PASSWORD_HASH is not set")
		return false
	}

	expectedUser := support.GetEnv("ADMIN_USERNAME", "admin")
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(expectedUser)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil

	return userOK && passOK
}
