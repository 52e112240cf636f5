// Command myfs is a menu-driven console for MyFS volumes.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/myfsorg/myfs"
)

const (
	exitClean         = 0
	exitAuthFailed    = 2
	exitUnrecoverable = 3
)

type console struct {
	in      *bufio.Reader
	session *myfs.Session
	cfg     *myfs.Config
	logger  *slog.Logger

	containerPath string
	sidecarPath   string
	rebind        bool
	volume        *myfs.Volume
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		containerPath = flag.String("container", "", "path to the container (.DRI) file")
		sidecarPath   = flag.String("sidecar", "", "path to the sidecar (.IXF) file")
		rebind        = flag.Bool("rebind", false, "regenerate the machine binding on open")
		logPath       = flag.String("log", "", "append log output to this file")
		auditPath     = flag.String("audit", "", "record integrity audit events in this bbolt database")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file: %v\n", err)
			return exitClean
		}
		defer f.Close()
		logger = slog.New(slog.NewTextHandler(f, nil))
	}

	cfg := &myfs.Config{}
	if *auditPath != "" {
		audit, err := myfs.OpenBoltAuditLog(*auditPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open audit db: %v\n", err)
			return exitClean
		}
		defer audit.Close()
		cfg.Audit = audit
	}

	secret, err := promptSecret("Session secret: ")
	if err != nil {
		return exitClean
	}
	session, err := myfs.OpenSession(string(secret), cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Session rejected.")
		logger.Error("session open failed", "err", err)
		return exitAuthFailed
	}
	defer session.Close()

	c := &console{
		in:            bufio.NewReader(os.Stdin),
		session:       session,
		cfg:           cfg,
		logger:        logger,
		containerPath: *containerPath,
		sidecarPath:   *sidecarPath,
		rebind:        *rebind,
	}
	defer func() {
		if c.volume != nil {
			_ = c.volume.Close()
		}
	}()
	return c.menuLoop()
}

func (c *console) menuLoop() int {
	for {
		fmt.Println()
		fmt.Println("MyFS")
		fmt.Println(" 1) Create/Format volume")
		fmt.Println(" 2) Change master secret")
		fmt.Println(" 3) List files")
		fmt.Println(" 4) Set/Change file secret")
		fmt.Println(" 5) Import file")
		fmt.Println(" 6) Export file")
		fmt.Println(" 7) Delete file")
		fmt.Println(" 8) Recover deleted file")
		fmt.Println(" 9) View deleted files")
		fmt.Println("10) Purge deleted files")
		fmt.Println("11) Repair volume")
		fmt.Println("12) Exit")

		choice, err := c.prompt("Choice: ")
		if err != nil {
			return exitClean
		}

		var cmdErr error
		switch choice {
		case "1":
			cmdErr = c.formatVolume()
		case "2":
			cmdErr = c.changeMaster()
		case "3":
			cmdErr = c.list(false)
		case "4":
			cmdErr = c.fileSecret()
		case "5":
			cmdErr = c.importFile()
		case "6":
			cmdErr = c.exportFile()
		case "7":
			cmdErr = c.deleteFile()
		case "8":
			cmdErr = c.recoverFile()
		case "9":
			cmdErr = c.list(true)
		case "10":
			cmdErr = c.purge()
		case "11":
			cmdErr = c.repair()
		case "12", "q", "exit":
			return exitClean
		default:
			fmt.Println("Unknown choice.")
			continue
		}

		switch {
		case cmdErr == nil:
		case errors.Is(cmdErr, myfs.ErrUnrecoverable):
			fmt.Println("Volume is unrecoverable.")
			c.logger.Error("unrecoverable", "err", cmdErr)
			return exitUnrecoverable
		case myfs.IsAuthFailed(cmdErr):
			fmt.Println("Authentication failed.")
			c.logger.Warn("auth failed", "err", cmdErr)
		default:
			fmt.Printf("Error: %v\n", cmdErr)
			c.logger.Error("command failed", "choice", choice, "err", cmdErr)
		}
	}
}

// ensureOpen opens the volume on first use, honoring --rebind once.
func (c *console) ensureOpen() error {
	if c.volume != nil {
		return nil
	}
	if err := c.ensurePaths(); err != nil {
		return err
	}
	master, err := promptSecret("Master secret: ")
	if err != nil {
		return err
	}
	open := myfs.Open
	if c.rebind {
		open = myfs.OpenRebind
		c.rebind = false
	}
	vol, err := open(c.session, c.containerPath, c.sidecarPath, master, c.cfg)
	if err != nil {
		return err
	}
	c.volume = vol
	for _, w := range vol.Warnings() {
		fmt.Printf("Warning: %s\n", w)
		c.logger.Warn(w)
	}
	return nil
}

func (c *console) ensurePaths() error {
	var err error
	if c.containerPath == "" {
		if c.containerPath, err = c.prompt("Container path (.DRI): "); err != nil {
			return err
		}
	}
	if c.sidecarPath == "" {
		if c.sidecarPath, err = c.prompt("Sidecar path (.IXF): "); err != nil {
			return err
		}
	}
	return nil
}

func (c *console) formatVolume() error {
	if err := c.ensurePaths(); err != nil {
		return err
	}
	master, err := promptSecret("New master secret: ")
	if err != nil {
		return err
	}
	if err := myfs.Format(c.session, c.containerPath, c.sidecarPath, master, c.cfg); err != nil {
		return err
	}
	fmt.Println("Volume created.")
	c.logger.Info("volume formatted", "container", c.containerPath)
	return nil
}

func (c *console) changeMaster() error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	newSecret, err := promptSecret("New master secret: ")
	if err != nil {
		return err
	}
	if err := c.volume.ChangeMasterSecret(newSecret); err != nil {
		return err
	}
	fmt.Println("Master secret changed.")
	return nil
}

func (c *console) list(deleted bool) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	entries, err := c.volume.List(deleted)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No files.")
		return nil
	}
	for _, e := range entries {
		state := ""
		if e.State == myfs.StateSoftDeleted {
			state = fmt.Sprintf("  [deleted %s]", e.DeletedAt.Format("2006-01-02 15:04"))
		}
		lock := ""
		if e.Protected {
			lock = "  [secret]"
		}
		fmt.Printf("%4d  %-40s %10d bytes  %s%s%s\n",
			e.ID, e.Name, e.OriginalSize, e.ImportedAt.Format("2006-01-02 15:04"), lock, state)
	}
	return nil
}

func (c *console) fileSecret() error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	name, err := c.prompt("File name: ")
	if err != nil {
		return err
	}
	mode, err := c.prompt("(a)dd, (c)hange, (f)orce with master: ")
	if err != nil {
		return err
	}
	switch mode {
	case "a":
		secret, err := promptSecret("New file secret: ")
		if err != nil {
			return err
		}
		return c.volume.SetFileSecret(name, secret)
	case "c":
		oldSecret, err := promptSecret("Current file secret: ")
		if err != nil {
			return err
		}
		newSecret, err := promptSecret("New file secret: ")
		if err != nil {
			return err
		}
		return c.volume.ChangeFileSecret(name, oldSecret, newSecret)
	case "f":
		secret, err := promptSecret("New file secret: ")
		if err != nil {
			return err
		}
		return c.volume.ForceChangeFileSecret(name, secret)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func (c *console) importFile() error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	path, err := c.prompt("Local file to import: ")
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name, err := c.prompt("Name inside the volume (empty = basename): ")
	if err != nil {
		return err
	}
	if name == "" {
		name = baseName(path)
	}
	opts := &myfs.ImportOptions{OriginalPath: path, Compress: true}
	if answer, _ := c.prompt("Protect with a file secret? (y/N): "); answer == "y" {
		if opts.FileSecret, err = promptSecret("File secret: "); err != nil {
			return err
		}
	}
	if err := c.volume.Import(name, data, opts); err != nil {
		return err
	}
	fmt.Printf("Imported %q (%d bytes).\n", name, len(data))
	c.logger.Info("imported", "name", name, "bytes", len(data))
	return nil
}

func (c *console) exportFile() error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	name, err := c.prompt("File name: ")
	if err != nil {
		return err
	}
	dest, err := c.prompt("Destination path: ")
	if err != nil {
		return err
	}
	opts := &myfs.ExportOptions{}
	if answer, _ := c.prompt("Raw (encrypted) export? (y/N): "); answer == "y" {
		opts.Mode = myfs.ExportRaw
	}
	if answer, _ := c.prompt("File secret needed? (y/N): "); answer == "y" {
		if opts.FileSecret, err = promptSecret("File secret: "); err != nil {
			return err
		}
	}
	if err := c.volume.Export(name, dest, opts); err != nil {
		return err
	}
	fmt.Printf("Exported %q to %s.\n", name, dest)
	return nil
}

func (c *console) deleteFile() error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	name, err := c.prompt("File name: ")
	if err != nil {
		return err
	}
	if answer, _ := c.prompt("Permanent delete? (y/N): "); answer == "y" {
		return c.volume.HardDelete(name)
	}
	return c.volume.SoftDelete(name)
}

func (c *console) recoverFile() error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	name, err := c.prompt("File name: ")
	if err != nil {
		return err
	}
	if err := c.volume.Recover(name); err != nil {
		return err
	}
	fmt.Printf("Recovered %q.\n", name)
	return nil
}

func (c *console) purge() error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	n, err := c.volume.Purge()
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d file(s).\n", n)
	return nil
}

func (c *console) repair() error {
	if c.volume != nil {
		_ = c.volume.Close()
		c.volume = nil
	}
	if err := c.ensurePaths(); err != nil {
		return err
	}
	master, err := promptSecret("Master secret: ")
	if err != nil {
		return err
	}
	report, err := myfs.Repair(c.session, c.containerPath, c.sidecarPath, master, c.cfg)
	if err != nil {
		return err
	}
	if report.ContainerRebuilt {
		fmt.Println("Container was rebuilt from the sidecar.")
	}
	if report.SidecarRebuilt {
		fmt.Println("Sidecar was rebuilt from the container.")
	}
	for _, name := range report.LostEntries {
		fmt.Printf("Lost: %s\n", name)
	}
	if !report.ContainerRebuilt && !report.SidecarRebuilt && len(report.LostEntries) == 0 {
		fmt.Println("Volume is healthy.")
	}
	return nil
}

func (c *console) prompt(label string) (string, error) {
	fmt.Print(label)
	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptSecret(label string) ([]byte, error) {
	fmt.Print(label)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return nil, err
	}
	return secret, nil
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
