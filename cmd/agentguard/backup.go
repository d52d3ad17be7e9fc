package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"agentguard/internal/config"

	"github.com/spf13/cobra"
)

// backupFile is one file in a backup archive, stored under a fixed name so
// restore can map it back to whatever the current config points at.
type backupFile struct {
	name string
	path string
}

// backupSet lists the files agentguard keeps state in.
func backupSet(cfgPath string) ([]backupFile, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return []backupFile{
		{"config.json", cfgPath},
		{"policy.yaml", cfg.Policy.Path},
		{"audit.jsonl", cfg.Audit.Path},
		{"agentguard.db", cfg.Store.DBPath},
		{"agentguard.db-wal", cfg.Store.DBPath + "-wal"},
		{"agentguard.db-shm", cfg.Store.DBPath + "-shm"},
	}, nil
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of agentguard state (config, policy, audit log, database)",
		Long: `Creates a compressed .tar.gz archive containing the config file, the
policy document, the audit log and the control database. The backup is
timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := backupSet(resolveConfigPath())
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("agentguard-backup-%s.tar.gz", ts))
			}

			var files []backupFile
			for _, f := range set {
				if _, err := os.Stat(f.path); err == nil {
					files = append(files, f)
				}
			}
			if len(files) == 0 {
				return fmt.Errorf("no files to back up")
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backup created: %s\n", outputPath)
			fmt.Fprintf(out, "Files included: %d\n", len(files))
			for _, f := range files {
				size := int64(0)
				if info, err := os.Stat(f.path); err == nil {
					size = info.Size()
				}
				fmt.Fprintf(out, "  - %s (%s)\n", f.name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.agentguard/backups/agentguard-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore agentguard state from a backup archive",
		Long: `Restores the files of a .tar.gz archive created by 'agentguard backup'
to the locations the current config points at. Stop 'agentguard serve' first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: agentguard restore <file.tar.gz>")
			}

			set, err := backupSet(resolveConfigPath())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !force {
				var existing []string
				for _, f := range set {
					if _, err := os.Stat(f.path); err == nil {
						existing = append(existing, f.path)
					}
				}
				if len(existing) > 0 {
					fmt.Fprintf(out, "WARNING: This will overwrite existing data:\n")
					for _, p := range existing {
						fmt.Fprintf(out, "  %s\n", p)
					}
					fmt.Fprintf(out, "Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(inputPath, set)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Fprintf(out, "Restore completed from: %s\n", inputPath)
			fmt.Fprintf(out, "Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Fprintf(out, "  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []backupFile) error {
	outFile, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for _, f := range files {
		if err := addFileToTar(tarWriter, f); err != nil {
			return fmt.Errorf("add %s: %w", f.path, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return outFile.Close()
}

func addFileToTar(tw *tar.Writer, f backupFile) error {
	file, err := os.Open(f.path)
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
	header.Name = f.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz writes each known archive member to its target in set.
// Unknown members are skipped.
func extractTarGz(archivePath string, set []backupFile) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	targets := make(map[string]string, len(set))
	for _, f := range set {
		targets[f.name] = f.path
	}

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		targetPath, ok := targets[filepath.Base(header.Name)]
		if !ok || header.Typeflag != tar.TypeReg {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o700); err != nil {
			return nil, err
		}

		outFile, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}

		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		if err := outFile.Close(); err != nil {
			return nil, err
		}

		restored = append(restored, targetPath)
	}

	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
