package main

import (
	"log"
	"rtprec"
)

func main() {
	if err := rtprec.Run(); err != nil {
		log.Fatal(err)
	}
}
