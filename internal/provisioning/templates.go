package provisioning

// Compose definitions per platform. Rendered with composeData; resource
// limits come from the customer's plan.
var composeTemplates = map[string]string{
	"woocommerce.yml.tmpl": `services:
  wordpress:
    image: wordpress:6.7-php8.3-apache
    restart: unless-stopped
    ports:
      - "127.0.0.1:{{.Port}}:80"
    environment:
      WORDPRESS_DB_HOST: mariadb
      WORDPRESS_DB_NAME: {{.Credentials.DBName}}
      WORDPRESS_DB_USER: {{.Credentials.DBUser}}
      WORDPRESS_DB_PASSWORD: {{.Credentials.DBPassword}}
    volumes:
      - ./html:/var/www/html
    depends_on:
      - mariadb
    deploy:
      resources:
        limits:
          cpus: "{{.CPUs}}"
          memory: {{.MemoryMB}}M
    healthcheck:
      test: ["CMD", "curl", "-f", "http://localhost/wp-login.php"]
      interval: 10s
      timeout: 5s
      retries: 5

  mariadb:
    image: mariadb:11
    restart: unless-stopped
    environment:
      MARIADB_DATABASE: {{.Credentials.DBName}}
      MARIADB_USER: {{.Credentials.DBUser}}
      MARIADB_PASSWORD: {{.Credentials.DBPassword}}
      MARIADB_ROOT_PASSWORD: {{.Credentials.DBRootPassword}}
    volumes:
      - ./db:/var/lib/mysql
`,

	"prestashop.yml.tmpl": `services:
  prestashop:
    image: prestashop/prestashop:8
    restart: unless-stopped
    ports:
      - "127.0.0.1:{{.Port}}:80"
    environment:
      DB_SERVER: mysql
      DB_NAME: {{.Credentials.DBName}}
      DB_USER: {{.Credentials.DBUser}}
      DB_PASSWD: {{.Credentials.DBPassword}}
      PS_DOMAIN: {{.Slug}}
    volumes:
      - ./html:/var/www/html
    depends_on:
      - mysql
    deploy:
      resources:
        limits:
          cpus: "{{.CPUs}}"
          memory: {{.MemoryMB}}M
    healthcheck:
      test: ["CMD", "curl", "-f", "http://localhost/"]
      interval: 10s
      timeout: 5s
      retries: 5

  mysql:
    image: mysql:8
    restart: unless-stopped
    environment:
      MYSQL_DATABASE: {{.Credentials.DBName}}
      MYSQL_USER: {{.Credentials.DBUser}}
      MYSQL_PASSWORD: {{.Credentials.DBPassword}}
      MYSQL_ROOT_PASSWORD: {{.Credentials.DBRootPassword}}
    volumes:
      - ./db:/var/lib/mysql
`,
}
