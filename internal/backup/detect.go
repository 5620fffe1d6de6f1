package backup

import "strings"

// Application types that influence behavior. Anything else detected is
// advisory metadata only.
const (
	AppPostgres = "postgres"
	AppMySQL    = "mysql"
	AppRedis    = "redis"
	AppMongo    = "mongo"
	AppGeneric  = "generic"
)

// appPatterns is matched in order; the first substring hit wins. Only
// postgres and mysql switch the backup to the dump branch, the rest
// tag the artifact metadata and pick the database cohort on restore.
var appPatterns = []struct {
	substr string
	app    string
}{
	{"postgres", AppPostgres},
	{"timescale", AppPostgres},
	{"mysql", AppMySQL},
	{"mariadb", AppMySQL},
	{"redis", AppRedis},
	{"mongo", AppMongo},
	{"rabbitmq", "rabbitmq"},
	{"elasticsearch", "elasticsearch"},
	{"nginx", "nginx"},
	{"httpd", "httpd"},
	{"traefik", "traefik"},
	{"grafana", "grafana"},
	{"prometheus", "prometheus"},
	{"wordpress", "wordpress"},
	{"nextcloud", "nextcloud"},
	{"gitea", "gitea"},
	{"minio", "minio"},
	{"node", "node"},
}

// DetectApp classifies a container. The compose service label and the
// image title label take precedence over the image reference, so a
// service named "db" running a custom image still classifies correctly
// when the labels say so.
func DetectApp(image string, labels map[string]string) string {
	candidates := []string{
		labels["com.docker.compose.service"],
		labels["org.opencontainers.image.title"],
		image,
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		c = strings.ToLower(c)
		for _, p := range appPatterns {
			if strings.Contains(c, p.substr) {
				return p.app
			}
		}
	}
	return AppGeneric
}

// UsesDump reports whether the app type is backed up via a logical
// database dump instead of volume tars.
func UsesDump(app string) bool {
	return app == AppPostgres || app == AppMySQL
}

// IsDatabase reports whether the app type belongs to the database cohort
// that boots before application services during a stack restore.
func IsDatabase(app string) bool {
	switch app {
	case AppPostgres, AppMySQL, AppRedis, AppMongo:
		return true
	}
	return false
}

// fallbackPaths is the app-specific volume hint table used by the legacy
// single-container path when neither a stack definition nor custom paths
// name anything to capture.
var fallbackPaths = map[string][]string{
	AppRedis:        {"/data"},
	AppMongo:        {"/data/db"},
	"grafana":       {"/var/lib/grafana"},
	"elasticsearch": {"/usr/share/elasticsearch/data"},
	"gitea":         {"/data"},
	"minio":         {"/data"},
	"nextcloud":     {"/var/www/html"},
	"wordpress":     {"/var/www/html"},
	"nginx":         {"/usr/share/nginx/html"},
	"httpd":         {"/usr/local/apache2/htdocs"},
	"rabbitmq":      {"/var/lib/rabbitmq"},
	"prometheus":    {"/prometheus"},
}
