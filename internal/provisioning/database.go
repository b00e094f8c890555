package provisioning

import "fmt"

// ScratchDBName returns the name of the scratch database a dump is loaded
// into before it replaces the live one
func ScratchDBName(dbName string) string {
	return dbName + "_incoming"
}

// DatabaseLoadCmd returns the shell command that loads a staged dump into
// the scratch database. The live database is not touched: a failed load
// leaves only a broken scratch copy behind.
func DatabaseLoadCmd(rootPassword, dbName, dumpName string) string {
	scratch := ScratchDBName(dbName)
	return fmt.Sprintf(
		"mysql -uroot -p%[1]s -e 'DROP DATABASE IF EXISTS %[2]s; CREATE DATABASE %[2]s' && mysql -uroot -p%[1]s %[2]s < /var/lib/mysql/%[3]s",
		rootPassword, scratch, dumpName)
}

// DatabaseSwapCmd returns the shell command that replaces the live database
// with the fully loaded scratch copy. Run only after DatabaseLoadCmd
// succeeded; a failure mid-swap leaves the loaded data intact in the
// scratch database.
func DatabaseSwapCmd(rootPassword, dbName string) string {
	scratch := ScratchDBName(dbName)
	return fmt.Sprintf(
		"mysql -uroot -p%[1]s -e 'DROP DATABASE IF EXISTS %[2]s; CREATE DATABASE %[2]s' && "+
			"for t in $(mysql -uroot -p%[1]s -N -e 'SHOW TABLES' %[3]s); do "+
			"mysql -uroot -p%[1]s -e \"RENAME TABLE %[3]s.$t TO %[2]s.$t\"; done && "+
			"mysql -uroot -p%[1]s -e 'DROP DATABASE %[3]s'",
		rootPassword, dbName, scratch)
}
