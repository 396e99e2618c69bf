package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// Genera un hash bcrypt para insertar usuarios a mano en la tabla users.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Uso: go run tools/genhash.go <contraseña>")
		os.Exit(1)
	}

	h, err := bcrypt.GenerateFromPassword([]byte(os.Args[1]), 10)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Println(string(h))
}
