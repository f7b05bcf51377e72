// Package safety vetoes destructive shell commands before they reach a host.
//
// The filter is a first line of defense, not a sandbox: regex rules can be
// evaded. Remote accounts should still run with least privilege.
package safety

import (
	"regexp"
	"strings"
)

// Group names the intent a rule guards against.
type Group string

const (
	GroupFilesystem Group = "filesystem"
	GroupPower      Group = "process"
	GroupAccounts   Group = "accounts"
	GroupNetwork    Group = "network"
	GroupPackages   Group = "packages"
	GroupInjection  Group = "injection"
	GroupAudit      Group = "audit"
	GroupSSH        Group = "ssh"
	GroupForkBomb   Group = "forkbomb"
	GroupSuspicious Group = "suspicious"
)

// Verdict explains the outcome of Check.
type Verdict struct {
	Dangerous bool
	Group     Group
	Rule      string
}

// matcher is satisfied by *regexp.Regexp and matchFunc.
type matcher interface {
	MatchString(s string) bool
}

type matchFunc func(s string) bool

func (f matchFunc) MatchString(s string) bool { return f(s) }

type rule struct {
	group Group
	name  string
	re    matcher
}

// Command position: start of line, after a chain operator, or after sudo.
const cmdStart = `(^|[;&|(]\s*|\bsudo\s+(-\S+\s+)*)`

// Targets that make a recursive delete catastrophic.
const rootTarget = `(/|/\*|\*|~|~/|~/\*|\./?\*|/(bin|boot|dev|etc|home|lib|lib64|opt|proc|root|sbin|srv|sys|usr|var)/?\*?)`

const end = `(\s|[;&|)]|$)`

var rules = []rule{
	// Filesystem destruction
	{GroupFilesystem, "recursive delete of root or wildcard",
		regexp.MustCompile(`\brm\s+(-\S+\s+)*(-[a-z]*r[a-z]*|--recursive)\s+(\S+\s+)*` + rootTarget + end)},
	{GroupFilesystem, "rm --no-preserve-root", regexp.MustCompile(`\brm\b.*--no-preserve-root`)},
	{GroupFilesystem, "raw disk write", regexp.MustCompile(`\bdd\b.*\bof=/dev/(sd|hd|vd|xvd|nvme|mmcblk|disk)`)},
	{GroupFilesystem, "redirect onto block device", regexp.MustCompile(`>\s*/dev/(sd|hd|vd|xvd|nvme|mmcblk)`)},
	{GroupFilesystem, "filesystem format", regexp.MustCompile(cmdStart + `mkfs(\.\w+)?\b`)},
	{GroupFilesystem, "secure wipe", regexp.MustCompile(cmdStart + `(shred|wipefs|wipe|srm)\b`)},
	{GroupFilesystem, "partition table edit", regexp.MustCompile(cmdStart + `(sfdisk|parted)\s+.*/dev/`)},
	{GroupFilesystem, "move into /dev/null", regexp.MustCompile(`\bmv\s+\S+\s+/dev/null\b`)},

	// Process and power control
	{GroupPower, "power state change", regexp.MustCompile(cmdStart + `(shutdown|reboot|halt|poweroff)\b`)},
	{GroupPower, "systemctl power state", regexp.MustCompile(`\bsystemctl\s+(reboot|poweroff|halt|kexec|emergency|rescue)\b`)},
	{GroupPower, "runlevel change", regexp.MustCompile(cmdStart + `(init|telinit)\s+[06]\b`)},
	{GroupPower, "kill every process", regexp.MustCompile(`\bkill\s+(-\S+\s+)*-1\b`)},
	{GroupPower, "killall", regexp.MustCompile(cmdStart + `killall5?\b`)},
	{GroupPower, "kill system daemons", regexp.MustCompile(`\bpkill\s+(-\S+\s+)*(systemd|init|sshd)\b`)},

	// Account and permission tampering
	{GroupAccounts, "user deletion", regexp.MustCompile(cmdStart + `(userdel|deluser)\b`)},
	{GroupAccounts, "root password change", regexp.MustCompile(`\bpasswd\s+(-\S+\s+)*root\b`)},
	{GroupAccounts, "bulk password change", regexp.MustCompile(cmdStart + `chpasswd\b`)},
	{GroupAccounts, "root account modification", regexp.MustCompile(`\busermod\s+.*\broot\b`)},
	{GroupAccounts, "world-writable root", regexp.MustCompile(`\bchmod\s+(-\S+\s+)*(0?777|a\+rwx|o\+w)\s+/` + end)},
	{GroupAccounts, "recursive chmod on root", regexp.MustCompile(`\bchmod\s+(-\S+\s+)*-[a-z]*r[a-z]*\s+\S+\s+` + rootTarget + end)},
	{GroupAccounts, "ownership change on root", regexp.MustCompile(`\bchown\s+(-\S+\s+)*\S+\s+` + rootTarget + end)},
	{GroupAccounts, "overwrite of account database", regexp.MustCompile(`>\s*/etc/(passwd|shadow|group|gshadow|sudoers)\b`)},

	// Network and firewall disablement
	{GroupNetwork, "firewall flush", regexp.MustCompile(`\biptables\s+(-\S+\s+)*(-f|-x|--flush|--delete-chain)` + end)},
	{GroupNetwork, "firewall default drop", regexp.MustCompile(`\biptables\s+-p\s+(input|output|forward)\s+drop\b`)},
	{GroupNetwork, "nftables flush", regexp.MustCompile(`\bnft\s+flush\s+ruleset\b`)},
	{GroupNetwork, "ufw disable", regexp.MustCompile(`\bufw\s+(--force\s+)?(disable|reset)\b`)},
	{GroupNetwork, "stop network or firewall service",
		regexp.MustCompile(`\bsystemctl\s+(stop|disable|mask)\s+(firewalld|ufw|iptables|nftables|network|networking|networkmanager|systemd-networkd)\b`)},
	{GroupNetwork, "interface down", regexp.MustCompile(`\b(ifconfig\s+\S+\s+down|ip\s+link\s+set\s+(dev\s+)?\S+\s+down|ifdown\s+\S+)`)},

	// Package removal of privilege and remote-access tools
	{GroupPackages, "remove sudo or ssh package",
		regexp.MustCompile(`\b(apt|apt-get|yum|dnf|zypper|pacman)\s+(-\S+\s+)*(remove|purge|erase|autoremove|-r|-rns)\s+.*\b(sudo|openssh-server|openssh-client|openssh|ssh)\b`)},
	{GroupPackages, "dpkg or rpm removal of sudo or ssh", regexp.MustCompile(`\b(dpkg\s+(-r|-p|--remove|--purge)|rpm\s+-e)\s+.*\b(sudo|openssh)`)},

	// Injection chains
	{GroupInjection, "chained destructive command",
		regexp.MustCompile(`(;|&&|\|\||\|)\s*(sudo\s+)?(rm|mkfs(\.\w+)?|dd|shred|wipefs|shutdown|reboot|halt|poweroff|userdel)\b`)},
	{GroupInjection, "destructive command substitution", regexp.MustCompile(`\$\([^)]*\b(rm|mkfs|dd|shred|wipefs|shutdown|reboot)\b[^)]*\)`)},
	{GroupInjection, "destructive backtick substitution", regexp.MustCompile("`[^`]*\\b(rm|mkfs|dd|shred|wipefs|shutdown|reboot)\\b[^`]*`")},
	{GroupInjection, "download piped to shell", regexp.MustCompile(`\b(curl|wget)\b.*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`)},
	{GroupInjection, "encoded payload to shell", regexp.MustCompile(`\bbase64\s+(-d|--decode)\b.*\|\s*(sudo\s+)?(ba|z|da)?sh\b`)},

	// Cron and audit tampering
	{GroupAudit, "crontab removal", regexp.MustCompile(`\bcrontab\s+(-\S+\s+)*-r\b`)},
	{GroupAudit, "cron overwrite", regexp.MustCompile(`(>\s*/etc/cron|\brm\s+.*(/etc/cron|/var/spool/cron))`)},
	{GroupAudit, "audit disable", regexp.MustCompile(`\b(auditctl\s+(-d|-e\s*0|-d\s+-a)|(service\s+auditd\s+stop)|systemctl\s+(stop|disable|mask)\s+auditd)\b`)},
	{GroupAudit, "log truncation", regexp.MustCompile(`(^|[;&|]\s*)(:|cat\s+/dev/null|echo)?\s*>\s*/var/log/(auth\.log|secure|audit|wtmp|btmp|lastlog|syslog|messages)`)},
	{GroupAudit, "shell history wipe", regexp.MustCompile(`\b(history\s+-c|unset\s+histfile)\b`)},

	// SSH key and service destruction
	{GroupSSH, "ssh key deletion", regexp.MustCompile(`\brm\s+.*(\.ssh\b|/etc/ssh\b)`)},
	{GroupSSH, "authorized_keys overwrite", regexp.MustCompile(`>\s*\S*(authorized_keys|/etc/ssh/sshd_config)\b`)},
	{GroupSSH, "ssh service stop", regexp.MustCompile(`\b(systemctl\s+(stop|disable|mask)\s+(ssh|sshd)|service\s+(ssh|sshd)\s+stop)\b`)},
	{GroupSSH, "kill ssh daemon", regexp.MustCompile(`\bkillall\s+(-\S+\s+)*sshd\b`)},

	// Fork bombs
	{GroupForkBomb, "fork bomb", regexp.MustCompile(`:\s*\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
	{GroupForkBomb, "named fork bomb", matchFunc(isNamedForkBomb)},
}

var functionDef = regexp.MustCompile(`\b(\w+)\s*\(\)\s*\{([^}]*)\}`)

// isNamedForkBomb reports whether cmd defines a function whose body pipes
// the function into itself in the background.
func isNamedForkBomb(cmd string) bool {
	for _, m := range functionDef.FindAllStringSubmatch(cmd, -1) {
		name := regexp.QuoteMeta(m[1])
		self := regexp.MustCompile(`(^|[^\w])` + name + `\s*\|\s*` + name + `\s*&`)
		if self.MatchString(m[2]) {
			return true
		}
	}
	return false
}

// Suspicious substrings only count alongside a destructive verb.
var suspicious = []string{
	"/dev/sd",
	"/dev/nvme",
	"$((",
	"2>/dev/null",
	">/dev/null 2>&1",
}

var destructiveVerb = regexp.MustCompile(`\b(rm|dd|mkfs(\.\w+)?|shred|wipefs|truncate|fdisk|sfdisk|parted|chmod|chown|kill|pkill)\b`)

var whitespace = regexp.MustCompile(`\s+`)

var quotes = strings.NewReplacer(`"`, "", `'`, "")

// Normalize lower-cases cmd, drops quote characters, collapses whitespace
// runs and trims it. The shell removes the same quotes, so `rm -rf "/"`
// reads as `rm -rf /`.
func Normalize(cmd string) string {
	cmd = quotes.Replace(strings.ToLower(cmd))
	return strings.TrimSpace(whitespace.ReplaceAllString(cmd, " "))
}

// IsDangerous reports whether cmd must not be executed.
func IsDangerous(cmd string) bool {
	return Check(cmd).Dangerous
}

// Check classifies cmd. The first matching rule wins.
func Check(cmd string) Verdict {
	normalized := Normalize(cmd)
	if normalized == "" {
		return Verdict{}
	}

	for _, r := range rules {
		if r.re.MatchString(normalized) {
			return Verdict{Dangerous: true, Group: r.group, Rule: r.name}
		}
	}

	for _, s := range suspicious {
		if strings.Contains(normalized, s) && destructiveVerb.MatchString(normalized) {
			return Verdict{Dangerous: true, Group: GroupSuspicious, Rule: "destructive command with " + s}
		}
	}

	return Verdict{}
}
