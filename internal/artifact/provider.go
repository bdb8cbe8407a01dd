// Package artifact resolves the runnable server jar: it caches the
// vanilla server jar and the carpet mod jar, and merges them so the mod
// classes override the vanilla ones.
package artifact

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
)

const (
	serverJarName = "MinecraftServer.jar"
	modJarName    = "carpet.jar"
	mergedJarName = "server.jar"
	updateDirName = "update"
)

// dropInRE matches manually dropped-in pre-merged jars in the update folder
var dropInRE = regexp.MustCompile(`^Carpet\.[^.]+\.jar$`)

const githubAPI = "https://api.github.com"

// Provider fetches and caches the server artifacts under dir
type Provider struct {
	dir          string
	serverJarURL string
	modRepo      string
	releasesAPI  string
	client       *http.Client
}

// New creates a Provider. modRepo is the "owner/name" GitHub repository
// publishing the mod jar as its latest release asset.
func New(dir, serverJarURL, modRepo string) *Provider {
	return &Provider{
		dir:          dir,
		serverJarURL: serverJarURL,
		modRepo:      modRepo,
		releasesAPI:  githubAPI,
		client:       &http.Client{Timeout: 2 * time.Minute},
	}
}

// Resolve returns the path of the runnable merged jar, building it if
// needed. With force set, cached downloads are refreshed. Idempotent:
// an existing merged jar is reused unless force is set.
func (p *Provider) Resolve(force bool) (string, error) {
	merged := filepath.Join(p.dir, mergedJarName)

	if err := p.applyDropIn(merged); err != nil {
		return "", err
	}

	if !force {
		if _, err := os.Stat(merged); err == nil {
			return merged, nil
		}
	}

	serverJar, err := p.fetchCached(filepath.Join(p.dir, serverJarName), force, p.serverJarURL)
	if err != nil {
		return "", fmt.Errorf("fetching server jar: %w", err)
	}

	modJar := filepath.Join(p.dir, modJarName)
	if _, err := os.Stat(modJar); force || err != nil {
		// The release lookup is only needed when the cached jar cannot
		// be reused, so an offline start with warm caches still works.
		modURL, err := p.latestModURL()
		if err != nil {
			return "", fmt.Errorf("resolving mod release: %w", err)
		}
		if _, err := p.fetchCached(modJar, force, modURL); err != nil {
			return "", fmt.Errorf("fetching mod jar: %w", err)
		}
	}

	if err := mergeJars(serverJar, modJar, merged); err != nil {
		return "", fmt.Errorf("merging jars: %w", err)
	}
	return merged, nil
}

// applyDropIn installs a pre-merged jar left in the update folder, if any
func (p *Provider) applyDropIn(merged string) error {
	updateDir := filepath.Join(p.dir, updateDirName)
	if err := os.MkdirAll(updateDir, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(updateDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !dropInRE.MatchString(e.Name()) {
			continue
		}
		src := filepath.Join(updateDir, e.Name())
		if err := copyFile(src, merged); err != nil {
			return fmt.Errorf("installing drop-in %s: %w", e.Name(), err)
		}
		if err := os.Remove(src); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// fetchCached returns the cached file unless force is set, downloading
// it otherwise
func (p *Provider) fetchCached(path string, force bool, url string) (string, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	resp, err := p.client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	tmp := path + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

// latestModURL asks the GitHub releases API for the download URL of the
// single asset on the latest release
func (p *Provider) latestModURL() (string, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", p.releasesAPI, p.modRepo)
	resp, err := p.client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	var release struct {
		Assets []struct {
			BrowserDownloadURL string `json:"browser_download_url"`
		} `json:"assets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", fmt.Errorf("decoding release: %w", err)
	}
	if len(release.Assets) != 1 {
		return "", fmt.Errorf("expected exactly one release asset, got %d", len(release.Assets))
	}
	if !strings.HasPrefix(release.Assets[0].BrowserDownloadURL, "https://") {
		return "", fmt.Errorf("suspicious asset URL %q", release.Assets[0].BrowserDownloadURL)
	}
	return release.Assets[0].BrowserDownloadURL, nil
}

// mergeJars writes dst as the union of base and overlay; entries present
// in both come from overlay
func mergeJars(base, overlay, dst string) error {
	baseZip, err := zip.OpenReader(base)
	if err != nil {
		return err
	}
	defer baseZip.Close()
	overlayZip, err := zip.OpenReader(overlay)
	if err != nil {
		return err
	}
	defer overlayZip.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestSpeed)
	})

	overlaid := make(map[string]bool, len(overlayZip.File))
	for _, f := range overlayZip.File {
		overlaid[f.Name] = true
	}

	write := func(f *zip.File) error {
		if strings.HasSuffix(f.Name, "/") {
			return nil
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Deflate})
		if err != nil {
			return err
		}
		r, err := f.Open()
		if err != nil {
			return err
		}
		defer r.Close()
		_, err = io.Copy(w, r)
		return err
	}

	for _, f := range baseZip.File {
		if overlaid[f.Name] {
			continue
		}
		if err := write(f); err != nil {
			zw.Close()
			out.Close()
			os.Remove(tmp)
			return err
		}
	}
	for _, f := range overlayZip.File {
		if err := write(f); err != nil {
			zw.Close()
			out.Close()
			os.Remove(tmp)
			return err
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
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
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
