package banner

import "fmt"

const Version = "1.0.0"

func Print() {
	banner := `
         __
  ____  / /__ ____ ___  _____  __  _____
 /_  / / //_// __ ` + "`" + `/ / / / _ \/ / / / _ \
  / /_/ ,<  / /_/ / /_/ /  __/ /_/ /  __/
 /___/_/|_| \__, /\__,_/\___/\__,_/\___/
              /_/  v%s - Distributed FIFO
    `
	fmt.Printf(banner, Version)
	fmt.Println("\n------------------------------------------------")
}
