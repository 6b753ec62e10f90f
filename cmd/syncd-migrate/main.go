// Command syncd-migrate re-encrypts any plaintext task passwords found in
// an existing syncd database, backing up the file first. It exists for
// operators recovering a database that predates the secret box, or moving
// it off a host where the key file was lost and a new key was generated.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/foldersync/syncd/pkg/config"
	"github.com/foldersync/syncd/pkg/secretbox"
	"github.com/foldersync/syncd/pkg/store"
)

var (
	dataDir    = flag.String("data-dir", "", "syncd data directory (default: per-user config dir)")
	keyPath    = flag.String("key-file", "", "path to the base64-encoded secret box key (default: <data-dir>/secret.key)")
	dryRun     = flag.Bool("dry-run", false, "check that the database and key load, then exit without writing; does not list the passwords that would be migrated")
	backupPath = flag.String("backup", "", "path to back up the database before migrating (default: <db>.backup)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags)
	log.Println("syncd database migration tool - password re-encryption")

	cfg := config.Load()
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	dbPath := filepath.Join(cfg.DataDir, "syncd.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", dbPath)
	}
	log.Printf("database: %s", dbPath)
	log.Printf("dry run: %v", *dryRun)

	if !*dryRun {
		backup := *backupPath
		if backup == "" {
			backup = dbPath + ".backup"
		}
		log.Printf("creating backup: %s", backup)
		if err := copyFile(dbPath, backup); err != nil {
			log.Fatalf("backup failed: %v", err)
		}
		log.Println("backup created")
	}

	keyFile := *keyPath
	if keyFile == "" {
		keyFile = filepath.Join(cfg.DataDir, "secret.key")
	}
	box, err := loadSecretBox(keyFile)
	if err != nil {
		log.Fatalf("load secret box key: %v", err)
	}

	if *dryRun {
		log.Println("dry run: skipping store open; re-run without --dry-run to migrate")
		return
	}

	st, err := store.Open(dbPath, store.Options{})
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	if err := st.MigratePasswords(box.Encrypt, secretbox.LooksEncrypted); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("migration completed successfully")
}

func loadSecretBox(path string) (*secretbox.Box, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	key, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	return secretbox.New(key)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
