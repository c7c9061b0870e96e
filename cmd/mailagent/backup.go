package main

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"mailagent/internal/config"
	"mailagent/internal/storage"
)

const (
	archiveDBName     = "mailagent.db"
	archiveConfigName = "config.json"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the database and a redacted copy of the config",
		Long: `Creates a .tar.gz archive with a consistent snapshot of the SQLite
database (conversations, credentials, counters) and the configuration with
secrets masked. The archive is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, fmt.Sprintf("mailagent-backup-%s.tar.gz", time.Now().Format("20060102-150405")))
			}

			store, err := storage.Open(cfg.Storage.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			tmp, err := os.MkdirTemp("", "mailagent-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)

			snapshot := filepath.Join(tmp, archiveDBName)
			if err := store.Backup(cmd.Context(), snapshot); err != nil {
				return err
			}
			cfgJSON, err := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			if err != nil {
				return err
			}
			cfgFile := filepath.Join(tmp, archiveConfigName)
			if err := os.WriteFile(cfgFile, cfgJSON, 0o600); err != nil {
				return err
			}

			if err := createTarGz(outputPath, []string{snapshot, cfgFile}); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			info, _ := os.Stat(outputPath)
			size := int64(0)
			if info != nil {
				size = info.Size()
			}
			fmt.Printf("Backup created: %s (%s)\n", outputPath, humanSize(size))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.mailagent/backups/mailagent-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <archive.tar.gz>",
		Short: "Restore the database from a backup archive",
		Long: `Restores the SQLite database from an archive created by 'mailagent backup'.
The config in the archive is redacted and is never restored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dbPath := cfg.Storage.DBPath
			if _, err := os.Stat(dbPath); err == nil && !force {
				fmt.Printf("WARNING: this will overwrite %s\n", dbPath)
				return errors.New("restore aborted (use --force to proceed)")
			}
			if err := extractDatabase(args[0], dbPath); err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// Stale WAL files would be replayed over the restored snapshot.
			for _, suffix := range []string{"-wal", "-shm"} {
				os.Remove(dbPath + suffix)
			}
			fmt.Printf("Database restored to %s\n", dbPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing database")
	return cmd
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, filePath := range files {
		if err := addFileToTar(tarWriter, filePath); err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractDatabase copies the database entry of archivePath to dbPath.
func extractDatabase(archivePath, dbPath string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tr := tar.NewReader(gzReader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("archive has no %s", archiveDBName)
		}
		if err != nil {
			return err
		}
		if filepath.Base(header.Name) != archiveDBName {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(dbPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("create %s: %w", dbPath, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("extract %s: %w", dbPath, err)
		}
		return out.Close()
	}
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
	)
	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
