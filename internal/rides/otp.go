package rides

import (
	"crypto/rand"
	"math/big"
	"strconv"
)

// OTPGenerator returns a fresh 4 digit code in [1000, 9999].
type OTPGenerator func() (string, error)

var otpSpan = big.NewInt(9000)

func randomOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpan)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+1000, 10), nil
}
