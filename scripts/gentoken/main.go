// Dev helper: prints a signed HS256 token for connecting a test client.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	subject := flag.String("sub", "user-1", "token subject (user identity)")
	secret := flag.String("secret", "devsecret", "HS256 signing secret")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": *subject,
		"exp": time.Now().Add(*ttl).Unix(),
	})

	signed, err := token.SignedString([]byte(*secret))
	if err != nil {
		panic(err)
	}

	fmt.Println(signed)
}
