package ldapserver

import ldap "github.com/lor00x/goldap/message"

// LDAP application codes
const (
	ApplicationBindRequest           = 0
	ApplicationBindResponse          = 1
	ApplicationUnbindRequest         = 2
	ApplicationSearchRequest         = 3
	ApplicationSearchResultEntry     = 4
	ApplicationSearchResultDone      = 5
	ApplicationModifyRequest         = 6
	ApplicationModifyResponse        = 7
	ApplicationAddRequest            = 8
	ApplicationAddResponse           = 9
	ApplicationDelRequest            = 10
	ApplicationDelResponse           = 11
	ApplicationModifyDNRequest       = 12
	ApplicationModifyDNResponse      = 13
	ApplicationCompareRequest        = 14
	ApplicationCompareResponse       = 15
	ApplicationAbandonRequest        = 16
	ApplicationSearchResultReference = 19
	ApplicationExtendedRequest       = 23
	ApplicationExtendedResponse      = 24
)

// LDAP result codes
const (
	LDAPResultSuccess                  = 0
	LDAPResultOperationsError          = 1
	LDAPResultProtocolError            = 2
	LDAPResultTimeLimitExceeded        = 3
	LDAPResultSizeLimitExceeded        = 4
	LDAPResultCompareFalse             = 5
	LDAPResultCompareTrue              = 6
	LDAPResultStrongAuthRequired       = 8
	LDAPResultReferral                 = 10
	LDAPResultNoSuchAttribute          = 16
	LDAPResultUndefinedAttributeType   = 17
	LDAPResultInappropriateMatching    = 18
	LDAPResultConstraintViolation      = 19
	LDAPResultNoSuchObject             = 32
	LDAPResultInvalidDNSyntax          = 34
	LDAPResultInappropriateAuthentication = 48
	LDAPResultInvalidCredentials       = 49
	LDAPResultInsufficientAccessRights = 50
	LDAPResultBusy                     = 51
	LDAPResultUnavailable              = 52
	LDAPResultUnwillingToPerform       = 53
	LDAPResultObjectClassViolation     = 65
	LDAPResultOther                    = 80

	LDAPResultCanceled        = 118
	LDAPResultNoSuchOperation = 119
	LDAPResultCannotCancel    = 121
)

// Search request scopes
const (
	SearchRequestScopeBaseObject = 0
	SearchRequestSingleLevel     = 1
	SearchRequestHomeSubtree     = 2
)

// Modify operations
const (
	ModifyRequestChangeOperationAdd     = 0
	ModifyRequestChangeOperationDelete  = 1
	ModifyRequestChangeOperationReplace = 2
)

// Extended operation OIDs
const (
	NoticeOfDisconnection ldap.LDAPOID = "1.3.6.1.4.1.1466.20036"
	NoticeOfCancel        ldap.LDAPOID = "1.3.6.1.1.8"
	NoticeOfWhoAmI        ldap.LDAPOID = "1.3.6.1.4.1.4203.1.11.3"
	NoticeOfStartTLS      ldap.LDAPOID = "1.3.6.1.4.1.1466.20037"
)
