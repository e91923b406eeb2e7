package rmstore

import "fmt"

// Fixed child-name prefixes; part of the on-disk contract (SPEC_FULL.md §6).
const (
	applicationPrefix      = "application_"
	attemptPrefix          = "appattempt_"
	delegationTokenPrefix  = "RMDelegationToken_"
	delegationKeyPrefix    = "DelegationKey_"
	rootZnodeName          = "ZKRMStateRoot"
	versionNodeName        = "RMVersionNode"
	epochNodeName          = "EpochNode"
	fencingLockName        = "RM_ZK_FENCING_LOCK"
	appRootName            = "RMAppRoot"
	dtSecretManagerRoot    = "RMDTSecretManagerRoot"
	dtSequentialNumberName = "RMDTSequentialNumber"
	dtTokensRootName       = "RMDelegationTokensRoot"
	dtMasterKeysRootName   = "RMDTMasterKeysRoot"
	amrmSecretManagerRoot  = "AMRMTokenSecretManagerRoot"
)

// pathBuilder generates znode paths under the configured state store parent path.
// One method per path shape, mirroring the teacher's KeyBuilder (keybuilder.go).
type pathBuilder struct {
	parent string
}

func newPathBuilder(parent string) pathBuilder {
	return pathBuilder{parent: parent}
}

func (p pathBuilder) root() string {
	return fmt.Sprintf("%s/%s", p.parent, rootZnodeName)
}

func (p pathBuilder) versionNode() string {
	return fmt.Sprintf("%s/%s", p.root(), versionNodeName)
}

func (p pathBuilder) epochNode() string {
	return fmt.Sprintf("%s/%s", p.root(), epochNodeName)
}

func (p pathBuilder) fencingLockNode() string {
	return fmt.Sprintf("%s/%s", p.root(), fencingLockName)
}

func (p pathBuilder) appRoot() string {
	return fmt.Sprintf("%s/%s", p.root(), appRootName)
}

func (p pathBuilder) appPath(appID string) string {
	return fmt.Sprintf("%s/%s%s", p.appRoot(), applicationPrefix, appID)
}

func (p pathBuilder) attemptPath(appID, attemptID string) string {
	return fmt.Sprintf("%s/%s%s", p.appPath(appID), attemptPrefix, attemptID)
}

func (p pathBuilder) dtSecretManagerRoot() string {
	return fmt.Sprintf("%s/%s", p.root(), dtSecretManagerRoot)
}

func (p pathBuilder) dtSequentialNumberNode() string {
	return fmt.Sprintf("%s/%s", p.dtSecretManagerRoot(), dtSequentialNumberName)
}

func (p pathBuilder) dtTokensRoot() string {
	return fmt.Sprintf("%s/%s", p.dtSecretManagerRoot(), dtTokensRootName)
}

func (p pathBuilder) delegationTokenPath(seq int64) string {
	return fmt.Sprintf("%s/%s%d", p.dtTokensRoot(), delegationTokenPrefix, seq)
}

func (p pathBuilder) dtMasterKeysRoot() string {
	return fmt.Sprintf("%s/%s", p.dtSecretManagerRoot(), dtMasterKeysRootName)
}

func (p pathBuilder) masterKeyPath(keyID int) string {
	return fmt.Sprintf("%s/%s%d", p.dtMasterKeysRoot(), delegationKeyPrefix, keyID)
}

func (p pathBuilder) amrmRoot() string {
	return fmt.Sprintf("%s/%s", p.root(), amrmSecretManagerRoot)
}

// allDirectories lists every persistent directory-like znode that must exist
// before the store is usable (Store.Init's bootstrap, grounded on admin.go's
// AddCluster sequence of CreateEmptyNode calls).
func (p pathBuilder) allDirectories() []string {
	return []string{
		p.root(),
		p.appRoot(),
		p.dtSecretManagerRoot(),
		p.dtTokensRoot(),
		p.dtMasterKeysRoot(),
	}
}
