package main

import (
	"fmt"
	"os"

	webpush "github.com/SherClockHolmes/webpush-go"
)

func main() {
	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		fmt.Printf("Error generating VAPID keys: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("export VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Printf("export VAPID_PRIVATE_KEY=%s\n", privateKey)
}
