package provisioning

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/platform"
)

// Credentials are the generated secrets for one tenant stack
type Credentials struct {
	DBName        string `json:"db_name"`
	DBUser        string `json:"db_user"`
	DBPassword    string `json:"db_password"`
	DBRootPassword string `json:"db_root_password"`
	AdminUser     string `json:"admin_user"`
	AdminPassword string `json:"admin_password"`
}

// TenantDir returns the stack directory for a tenant slug
func TenantDir(root, slug string) string {
	return filepath.Join(root, slug)
}

// StagingDir returns the staging stack directory for a tenant slug
func StagingDir(root, slug string) string {
	return filepath.Join(root, slug+"-staging")
}

// CreateTenantDir creates the tenant directory tree
func CreateTenantDir(dir string) error {
	for _, sub := range []string{"", "html", "db"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return fmt.Errorf("failed to create tenant directory: %w", err)
		}
	}
	return nil
}

// GenerateCredentials produces random credentials for a new tenant
func GenerateCredentials(dbName string) (*Credentials, error) {
	secrets := make([]string, 3)
	for i := range secrets {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate credentials: %w", err)
		}
		secrets[i] = hex.EncodeToString(buf)
	}

	return &Credentials{
		DBName:         dbName,
		DBUser:         "store",
		DBPassword:     secrets[0],
		DBRootPassword: secrets[1],
		AdminUser:      "admin",
		AdminPassword:  secrets[2],
	}, nil
}

// PersistCredentials writes the final credentials into the tenant directory
func PersistCredentials(dir string, creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	path := filepath.Join(dir, "credentials.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}

	return nil
}

// LoadCredentials reads the persisted credentials for a tenant
func LoadCredentials(dir string) (*Credentials, error) {
	data, err := os.ReadFile(filepath.Join(dir, "credentials.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}

	return &creds, nil
}

// composeData is the template input for a tenant's compose definition
type composeData struct {
	Slug        string
	Port        int
	CPUs        float64
	MemoryMB    int
	Credentials *Credentials
}

// RenderCompose renders the platform's compose template into the tenant dir
func RenderCompose(dir string, plat platform.Platform, customer *models.Customer, creds *Credentials) error {
	source, ok := composeTemplates[plat.ComposeTemplate()]
	if !ok {
		return fmt.Errorf("no compose template %q", plat.ComposeTemplate())
	}

	tmpl, err := template.New(plat.ComposeTemplate()).Parse(source)
	if err != nil {
		return fmt.Errorf("failed to parse compose template: %w", err)
	}

	port := 0
	if customer.Port != nil {
		port = *customer.Port
	}

	file, err := os.Create(filepath.Join(dir, "docker-compose.yml"))
	if err != nil {
		return fmt.Errorf("failed to create compose file: %w", err)
	}
	defer file.Close()

	data := composeData{
		Slug:        customer.Slug,
		Port:        port,
		CPUs:        customer.PlanCPUs,
		MemoryMB:    customer.PlanMemoryMB,
		Credentials: creds,
	}
	if err := tmpl.Execute(file, data); err != nil {
		return fmt.Errorf("failed to render compose template: %w", err)
	}

	return nil
}
